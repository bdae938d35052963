package journal

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// TestCSVSinkStableHeader verifies the first header wins and later rows align to it
func TestCSVSinkStableHeader(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}
	rec := NewRecorder(sink, "PT_A_FINAL_404020")
	ctx := context.Background()

	if err := rec.Event(ctx, "OPEN", F("symbol", "BTCUSDT"), F("entry", 100.5)); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if err := rec.Event(ctx, "SL_MOVE", F("symbol", "BTCUSDT"), F("new_sl", 101.0)); err != nil {
		t.Fatalf("Event failed: %v", err)
	}

	rows, err := ReadAll(sink.Path(StreamEvents))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}

	if rows[0]["entry"] != "100.5" {
		t.Errorf("Expected entry 100.5, got %q", rows[0]["entry"])
	}
	if rows[1]["entry"] != "" {
		t.Errorf("Expected missing column to be empty, got %q", rows[1]["entry"])
	}
	if _, ok := rows[1]["new_sl"]; ok {
		t.Error("Expected column outside the first header to be dropped")
	}
	for _, row := range rows {
		if row["pt_tag"] != "PT_A_FINAL_404020" {
			t.Errorf("Expected pt_tag on every row, got %q", row["pt_tag"])
		}
		if row["id"] == "" || row["ts"] == "" {
			t.Errorf("Expected id and ts, got %v", row)
		}
		if _, err := time.Parse(time.RFC3339Nano, row["ts"]); err != nil {
			t.Errorf("Expected RFC3339 timestamp, got %q", row["ts"])
		}
	}

	raw, _ := os.ReadFile(sink.Path(StreamEvents))
	if got := strings.Count(string(raw), "id,ts,pt_tag,type"); got != 1 {
		t.Errorf("Expected header written once, got %d", got)
	}
}

func TestCSVSinkSeparateStreams(t *testing.T) {
	sink, _ := NewCSVSink(t.TempDir())
	rec := NewRecorder(sink, "PT_C_EXPERIMENT_FIB")
	ctx := context.Background()

	rec.Record(ctx, StreamTrades, "STOP", F("pnl", -10.0))
	rec.Record(ctx, StreamEquity, "EQUITY", F("balance", 9990.0))

	trades, _ := ReadAll(sink.Path(StreamTrades))
	equity, _ := ReadAll(sink.Path(StreamEquity))
	if len(trades) != 1 || trades[0]["type"] != "STOP" {
		t.Errorf("Expected one STOP trade, got %v", trades)
	}
	if len(equity) != 1 || equity[0]["balance"] != "9990" {
		t.Errorf("Expected one equity row with balance 9990, got %v", equity)
	}

	events, err := ReadAll(sink.Path(StreamEvents))
	if err != nil || len(events) != 0 {
		t.Errorf("Expected no events file rows, got %v (%v)", events, err)
	}
}

func TestCSVSinkClosed(t *testing.T) {
	sink, _ := NewCSVSink(t.TempDir())
	sink.Close()
	err := sink.Append(context.Background(), StreamEvents, Record{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, stream Stream, rec Record) error {
	return errors.New("disk full")
}
func (failingSink) Close() error { return nil }

// TestFanoutDeliversDespiteFailure verifies one failing sink does not starve the others
func TestFanoutDeliversDespiteFailure(t *testing.T) {
	mem := NewMemorySink()
	sink := Fanout(failingSink{}, mem)

	err := NewRecorder(sink, "X").Event(context.Background(), "OPEN")
	if err == nil {
		t.Error("Expected error from failing sink")
	}
	if len(mem.Records(StreamEvents)) != 1 {
		t.Errorf("Expected memory sink to receive the record, got %d", len(mem.Records(StreamEvents)))
	}
}

func TestRecordValues(t *testing.T) {
	r := Record{Type: "TP_FILL", Fields: []Field{F("ok", true), F("qty", 0.25), F("note", nil)}}
	v := r.Values()
	if v["ok"] != "true" || v["qty"] != "0.25" || v["note"] != "" {
		t.Errorf("Unexpected formatted values: %v", v)
	}
	if got, _ := r.Get("qty"); got != 0.25 {
		t.Errorf("Expected qty 0.25, got %v", got)
	}
}
