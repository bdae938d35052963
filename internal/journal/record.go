package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Stream names one append-only record file
type Stream string

const (
	StreamTrades Stream = "trades"
	StreamEvents Stream = "events"
	StreamEquity Stream = "equity"
)

// Streams lists every stream in a stable order
var Streams = []Stream{StreamTrades, StreamEvents, StreamEquity}

// ErrClosed is returned by Append after Close
var ErrClosed = errors.New("journal closed")

// Field is one named column of a record
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Record is one audit entry. Fields keep their insertion order.
type Record struct {
	ID      string
	Time    time.Time
	Variant string
	Type    string
	Fields  []Field
}

var baseColumns = []string{"id", "ts", "pt_tag", "type"}

// Columns returns the header this record would write to an empty file
func (r Record) Columns() []string {
	cols := append([]string(nil), baseColumns...)
	for _, f := range r.Fields {
		cols = append(cols, f.Key)
	}
	return cols
}

// Values formats every column as text
func (r Record) Values() map[string]string {
	out := map[string]string{
		"id":     r.ID,
		"ts":     r.Time.UTC().Format(time.RFC3339Nano),
		"pt_tag": r.Variant,
		"type":   r.Type,
	}
	for _, f := range r.Fields {
		out[f.Key] = formatValue(f.Value)
	}
	return out
}

// Payload returns the fields as a map for structured sinks
func (r Record) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Key] = f.Value
	}
	return out
}

// Get returns the value of a field
func (r Record) Get(key string) (interface{}, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Sink stores records
type Sink interface {
	Append(ctx context.Context, stream Stream, rec Record) error
	Close() error
}

// Recorder stamps records with an id, time and the variant tag before handing them to a sink
type Recorder struct {
	sink    Sink
	variant string
	now     func() time.Time
}

// NewRecorder creates a recorder for one variant
func NewRecorder(sink Sink, variant string) *Recorder {
	return &Recorder{sink: sink, variant: variant, now: time.Now}
}

// Variant returns the tag stamped on every record
func (r *Recorder) Variant() string {
	return r.variant
}

// Record appends a typed record to stream
func (r *Recorder) Record(ctx context.Context, stream Stream, kind string, fields ...Field) error {
	rec := Record{
		ID:      uuid.NewString(),
		Time:    r.now().UTC(),
		Variant: r.variant,
		Type:    kind,
		Fields:  fields,
	}
	if err := r.sink.Append(ctx, stream, rec); err != nil {
		return fmt.Errorf("failed to append %s record: %w", stream, err)
	}
	return nil
}

// Event appends to the events stream
func (r *Recorder) Event(ctx context.Context, kind string, fields ...Field) error {
	return r.Record(ctx, StreamEvents, kind, fields...)
}
