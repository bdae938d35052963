package gatekeeper

import (
	"testing"

	"papertrader/internal/risk"
)

type holding struct {
	symbol    string
	side      risk.Direction
	remaining float64
	managed   bool
}

func (h holding) Instrument() string { return h.symbol }
func (h holding) Side() risk.Direction { return h.side }
func (h holding) Remaining() float64 { return h.remaining }
func (h holding) ActivelyManaged() bool { return h.managed }

// TestEvaluateRules verifies rule order and reasons
func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		symbol string
		side   risk.Direction
		open   []Holding
		allow  bool
		rule   string
	}{
		{
			name:   "empty book allows",
			config: DefaultConfig(),
			symbol: "BTCUSDT", side: risk.Long,
			allow: true,
		},
		{
			name:   "same symbol same side blocked",
			config: DefaultConfig(),
			symbol: "BTCUSDT", side: risk.Long,
			open:  []Holding{holding{"BTCUSDT", risk.Long, 1, true}},
			allow: false, rule: RuleOnePerSymbol,
		},
		{
			name:   "same symbol opposite side blocked by first rule",
			config: DefaultConfig(),
			symbol: "btcusdt", side: risk.Short,
			open:  []Holding{holding{"BTCUSDT", risk.Long, 1, true}},
			allow: false, rule: RuleOnePerSymbol,
		},
		{
			name:   "hedge rule when one-per-symbol disabled",
			config: Config{MaxActiveManaged: 3, EnforceNoHedge: true},
			symbol: "BTCUSDT", side: risk.Short,
			open:  []Holding{holding{"BTCUSDT", risk.Long, 1, true}},
			allow: false, rule: RuleNoHedge,
		},
		{
			name:   "exhausted position does not block",
			config: DefaultConfig(),
			symbol: "BTCUSDT", side: risk.Short,
			open:  []Holding{holding{"BTCUSDT", risk.Long, 0, true}},
			allow: true,
		},
		{
			name:   "ceiling reached",
			config: DefaultConfig(),
			symbol: "SOLUSDT", side: risk.Long,
			open: []Holding{
				holding{"BTCUSDT", risk.Long, 1, true},
				holding{"ETHUSDT", risk.Short, 1, true},
				holding{"XRPUSDT", risk.Long, 1, true},
			},
			allow: false, rule: RuleMaxActiveManaged,
		},
		{
			name:   "rest positions do not count toward ceiling",
			config: DefaultConfig(),
			symbol: "SOLUSDT", side: risk.Long,
			open: []Holding{
				holding{"BTCUSDT", risk.Long, 1, true},
				holding{"ETHUSDT", risk.Short, 1, false},
				holding{"XRPUSDT", risk.Long, 1, true},
			},
			allow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.config).Evaluate(tt.symbol, tt.side, tt.open)
			if d.Allow != tt.allow {
				t.Fatalf("Expected allow=%v, got %v (%s)", tt.allow, d.Allow, d.Reason)
			}
			if d.Rule() != tt.rule {
				t.Errorf("Expected rule %q, got %q", tt.rule, d.Rule())
			}
		})
	}
}

func TestEvaluateReasons(t *testing.T) {
	g := New(DefaultConfig())
	open := []Holding{
		holding{"BTCUSDT", risk.Long, 1, true},
		holding{"ETHUSDT", risk.Long, 1, true},
		holding{"XRPUSDT", risk.Long, 1, true},
	}

	d := g.Evaluate("SOLUSDT", risk.Long, open)
	expected := "BLOCK: max active managed positions reached (3/3)"
	if d.Reason != expected {
		t.Errorf("Expected reason %q, got %q", expected, d.Reason)
	}

	d = g.Evaluate("SOLUSDT", risk.Long, open[:2])
	if d.Reason != ReasonAllow {
		t.Errorf("Expected reason %q, got %q", ReasonAllow, d.Reason)
	}
	if d.Meta["active_count"] != 2 {
		t.Errorf("Expected active_count 2, got %v", d.Meta["active_count"])
	}
}
