package zvault

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters this package updates when non-nil. Callers
// construct one with NewMetrics and register it with their own
// prometheus.Registerer; the zero value is not usable.
type Metrics struct {
	entriesRead       prometheus.Counter
	entriesWritten    prometheus.Counter
	checksumFailures  prometheus.Counter
	bytesDecompressed prometheus.Counter
	bytesCompressed   prometheus.Counter
}

// NewMetrics builds a Metrics and registers its collectors with reg.
// Passing the same reg to two Metrics panics, matching
// prometheus.Registerer's own contract.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		entriesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zvault_entries_read_total",
			Help: "Entries fully read and checksum-verified.",
		}),
		entriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zvault_entries_written_total",
			Help: "Entries finalised by a Writer.",
		}),
		checksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zvault_checksum_failures_total",
			Help: "Entries whose decoded content did not match its recorded CRC-32.",
		}),
		bytesDecompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zvault_bytes_decompressed_total",
			Help: "Uncompressed bytes produced while reading entries.",
		}),
		bytesCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zvault_bytes_compressed_total",
			Help: "Compressed bytes produced while writing entries.",
		}),
	}
	reg.MustRegister(m.entriesRead, m.entriesWritten, m.checksumFailures, m.bytesDecompressed, m.bytesCompressed)
	return m
}

func (m *Metrics) observeRead(n int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.entriesRead.Inc()
	} else if _, ok := err.(*ChecksumError); ok {
		m.checksumFailures.Inc()
	}
	m.bytesDecompressed.Add(float64(n))
}

func (m *Metrics) observeWrite(n int) {
	if m == nil {
		return
	}
	m.bytesCompressed.Add(float64(n))
}

func (m *Metrics) observeEntryWritten() {
	if m == nil {
		return
	}
	m.entriesWritten.Inc()
}

// observingReader wraps a decoded entry's content so that, on the first
// terminal Read (EOF or error), it reports byte count and outcome to m.
// A nil m makes every call a no-op, so callers need not branch on whether
// metrics were configured.
type observingReader struct {
	r    io.Reader
	m    *Metrics
	n    int
	done bool
}

func (o *observingReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.n += n
	if err != nil && !o.done {
		o.done = true
		if err == io.EOF {
			o.m.observeRead(o.n, nil)
		} else {
			o.m.observeRead(o.n, err)
		}
	}
	return n, err
}
