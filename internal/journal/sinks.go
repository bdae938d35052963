package journal

import (
	"context"
	"errors"
	"sync"
)

// MemorySink keeps records in process, grouped by stream
type MemorySink struct {
	mu      sync.Mutex
	records map[Stream][]Record
	closed  bool
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[Stream][]Record)}
}

func (m *MemorySink) Append(ctx context.Context, stream Stream, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[stream] = append(m.records[stream], rec)
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended to stream
func (m *MemorySink) Records(stream Stream) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records[stream]...)
}

// OfType filters a stream by record type
func (m *MemorySink) OfType(stream Stream, kind string) []Record {
	var out []Record
	for _, r := range m.Records(stream) {
		if r.Type == kind {
			out = append(out, r)
		}
	}
	return out
}

// fanout writes every record to each sink in turn
type fanout struct {
	sinks []Sink
}

// Fanout combines sinks. Every sink sees every record even if an earlier one fails.
func Fanout(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &fanout{sinks: sinks}
}

func (f *fanout) Append(ctx context.Context, stream Stream, rec Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Append(ctx, stream, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
