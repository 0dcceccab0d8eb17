// Command zipmillion writes a ZIP archive of many small generated
// entries, exercising Writer's central-directory bookkeeping and, past
// 65 534 entries, its Zip64 promotion path.
package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/corvid-labs/zvault"
)

func entryCount() int {
	if e := os.Getenv("ZIPMILLION_ENTRIES"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil || n <= 0 {
			panic("malformed ZIPMILLION_ENTRIES environment variable, should be a positive integer: " + e)
		}
		return n
	}
	return 1_000_000
}

func initSentry() func() {
	dsn := os.Getenv("ZIPMILLION_SENTRY_DSN")
	if dsn == "" {
		return func() {}
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		slog.Warn("sentryInitFailed", "err", err)
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: zipmillion <output.zip>")
		os.Exit(2)
	}

	stop := initSentry()
	defer stop()

	n := entryCount()
	digits := int(math.Ceil(math.Log10(float64(n + 1))))

	zw, err := zvault.Create(os.Args[1])
	if err != nil {
		fail(err)
	}

	modified := time.Now().UTC()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("entries/%0*d.txt", digits, i)
		w, err := zw.CreateHeader(&zvault.FileHeader{
			Name:     name,
			Method:   zvault.Deflate,
			Modified: modified,
		})
		if err != nil {
			fail(err)
		}
		if _, err := fmt.Fprintf(w, "entry %d of %d\n", i, n); err != nil {
			fail(err)
		}
		if i > 0 && i%100_000 == 0 {
			slog.Info("zipmillionProgress", "written", i, "total", n)
		}
	}

	if err := zw.Close(); err != nil {
		fail(err)
	}
	slog.Info("zipmillionDone", "path", os.Args[1], "entries", n)
}

func fail(err error) {
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(err)
	}
	slog.Error("zipmillionFailed", "err", err)
	os.Exit(1)
}
