package zvault

import "github.com/bmatcuk/doublestar/v4"

// Glob returns the names of entries matching pattern, using doublestar's
// bash-style globbing (so "**" matches across directory separators,
// unlike path.Match). Pattern syntax errors come back as-is from
// doublestar.Match.
func (a *Archive) Glob(pattern string) ([]string, error) {
	var matches []string
	for _, e := range a.entries {
		ok, err := doublestar.Match(pattern, e.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, e.Name)
		}
	}
	return matches, nil
}
