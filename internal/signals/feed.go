package signals

import (
	"context"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"papertrader/internal/filelock"
	"papertrader/internal/risk"
)

// ErrMalformedRecord marks a row that cannot become a signal
var ErrMalformedRecord = errors.New("malformed signal record")

// Signal is one confirmed entry signal
type Signal struct {
	Index         int
	SignalID      string
	Time          string
	Symbol        string
	Direction     risk.Direction
	EntryRefPrice float64
	EMA25_4h      float64
	Fib0236       float64
	Score         float64
}

// Record is a feed row at a given index. Err is set when the row was malformed.
type Record struct {
	Index  int
	Signal Signal
	Err    error
}

// Source yields feed records after a cursor
type Source interface {
	ReadAfter(ctx context.Context, cursor int) ([]Record, error)
}

// MakeSignalID derives a stable id from time, symbol and direction
func MakeSignalID(ts, symbol, direction string) string {
	sum := sha1.Sum([]byte(ts + "|" + symbol + "|" + direction))
	return hex.EncodeToString(sum[:])[:16]
}

// CSVFeed reads the append-only confirmed-signal CSV written by the scanner
type CSVFeed struct {
	path string
}

// NewCSVFeed creates a feed over path
func NewCSVFeed(path string) *CSVFeed {
	return &CSVFeed{path: path}
}

// Path returns the CSV location
func (f *CSVFeed) Path() string {
	return f.path
}

// ReadAfter returns every row whose zero-based index is greater than cursor.
// A missing file is an empty feed.
func (f *CSVFeed) ReadAfter(ctx context.Context, cursor int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var out []Record
	err := filelock.With(f.path, false, func() error {
		file, err := os.Open(f.path)
		if err != nil {
			return err
		}
		defer file.Close()

		r := csv.NewReader(file)
		r.FieldsPerRecord = -1
		r.ReuseRecord = true

		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read signal header: %w", err)
		}
		cols := make(map[string]int, len(header))
		for i, h := range header {
			cols[strings.ToLower(strings.TrimSpace(h))] = i
		}

		for index := 0; ; index++ {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if index > cursor {
						out = append(out, Record{Index: index, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, err)})
					}
					continue
				}
				return err
			}
			if index <= cursor {
				continue
			}
			sig, err := parseRow(cols, row)
			sig.Index = index
			out = append(out, Record{Index: index, Signal: sig, Err: err})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read signals from %s: %w", f.path, err)
	}
	return out, nil
}

func parseRow(cols map[string]int, row []string) (Signal, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	getFloat := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(get(name), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q", ErrMalformedRecord, name, get(name))
		}
		return v, nil
	}

	sig := Signal{
		Time:   get("ts_signal"),
		Symbol: strings.ToUpper(get("symbol")),
	}
	if sig.Symbol == "" {
		return sig, fmt.Errorf("%w: empty symbol", ErrMalformedRecord)
	}

	rawDir := get("direction")
	dir, ok := risk.ParseDirection(rawDir)
	if !ok {
		return sig, fmt.Errorf("%w: direction=%q", ErrMalformedRecord, rawDir)
	}
	sig.Direction = dir

	var err error
	if sig.EntryRefPrice, err = getFloat("entry_ref_price"); err != nil {
		return sig, err
	}
	if sig.EMA25_4h, err = getFloat("ema25_4h"); err != nil {
		return sig, err
	}
	if sig.Fib0236, err = getFloat("fib_0236"); err != nil {
		return sig, err
	}
	if s := get("score"); s != "" {
		sig.Score, _ = strconv.ParseFloat(s, 64)
	}

	sig.SignalID = get("signal_id")
	if sig.SignalID == "" {
		sig.SignalID = MakeSignalID(sig.Time, sig.Symbol, rawDir)
	}
	return sig, nil
}
