// Command extractmillion reads every entry out of an IndexedReader
// concurrently, demonstrating that independent Entry.Open calls against
// one Archive need not serialise on each other.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvid-labs/zvault"
)

func workerCount() int {
	if e := os.Getenv("EXTRACTMILLION_WORKERS"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil || n <= 0 {
			panic("malformed EXTRACTMILLION_WORKERS environment variable, should be a positive integer: " + e)
		}
		return n
	}
	return 32
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: extractmillion <archive.zip>")
		os.Exit(2)
	}

	start := time.Now()
	arc, err := zvault.OpenReader(os.Args[1])
	if err != nil {
		fail(err)
	}
	defer arc.Close()

	entries := arc.Entries()
	slog.Info("extractmillionStart", "path", os.Args[1], "entries", len(entries))

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workerCount())

	for _, e := range entries {
		e := e
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return extractOne(e)
		})
	}

	if err := g.Wait(); err != nil {
		fail(err)
	}
	slog.Info("extractmillionDone", "entries", len(entries), "duration", time.Since(start).String())
}

func extractOne(e *zvault.Entry) error {
	if e.IsDir() {
		return nil
	}
	r, err := e.Open()
	if err != nil {
		return fmt.Errorf("opening %q: %w", e.Name, err)
	}
	defer r.Close()

	// Open already wraps the entry in a CRC-32-verifying reader; draining
	// it to completion is what surfaces a ChecksumError.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("reading %q: %w", e.Name, err)
	}
	return nil
}

func fail(err error) {
	slog.Error("extractmillionFailed", "err", err)
	os.Exit(1)
}
