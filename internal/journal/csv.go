package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"papertrader/internal/filelock"
)

// CSVSink appends each stream to <dir>/<stream>.csv.
// The first header written to a file is kept; later records fill missing columns with ""
// and drop columns the header does not know.
type CSVSink struct {
	dir    string
	mu     sync.Mutex
	closed bool
}

// NewCSVSink creates a CSV sink rooted at dir
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

// Path returns the file backing stream
func (s *CSVSink) Path(stream Stream) string {
	return filepath.Join(s.dir, string(stream)+".csv")
}

func (s *CSVSink) Append(ctx context.Context, stream Stream, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	path := s.Path(stream)
	return filelock.With(path, true, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		header, err := readHeader(f)
		if err != nil {
			return err
		}

		w := csv.NewWriter(f)
		if header == nil {
			header = rec.Columns()
			if err := w.Write(header); err != nil {
				return err
			}
		}

		values := rec.Values()
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = values[col]
		}
		if err := w.Write(row); err != nil {
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return f.Sync()
	})
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// readHeader returns nil for an empty file
func readHeader(f *os.File) ([]string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", f.Name(), err)
	}
	return header, nil
}

// ReadAll loads every row of a CSV journal file as column -> value maps
func ReadAll(path string) ([]map[string]string, error) {
	var rows []map[string]string
	err := filelock.With(path, false, func() error {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		all, err := r.ReadAll()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if len(all) == 0 {
			return nil
		}
		header := all[0]
		for _, line := range all[1:] {
			row := make(map[string]string, len(header))
			for i, col := range header {
				if i < len(line) {
					row[col] = line[i]
				}
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}
