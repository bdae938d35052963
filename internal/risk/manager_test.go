package risk

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= epsilon*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// TestNotional verifies risk-based sizing and degenerate inputs
func TestNotional(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		riskPct  float64
		entry    float64
		stop     float64
		expected float64
	}{
		{"long 1% of 10000 with 5 stop distance", 10000, 0.01, 100, 95, 2000},
		{"short stop above entry", 10000, 0.01, 100, 105, 2000},
		{"entry equals stop", 10000, 0.01, 100, 100, 0},
		{"zero balance", 0, 0.01, 100, 95, 0},
		{"negative entry", 10000, 0.01, -1, 95, 0},
		{"zero stop", 10000, 0.01, 100, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Notional(tt.balance, tt.riskPct, tt.entry, tt.stop)
			if !almostEqual(got, tt.expected) {
				t.Errorf("Expected notional %.6f, got %.6f", tt.expected, got)
			}
		})
	}
}

// TestStopOutLosesRiskAmount verifies that sizing makes a stop-out cost exactly balance*risk
func TestStopOutLosesRiskAmount(t *testing.T) {
	cases := []struct {
		dir     Direction
		balance float64
		riskPct float64
		entry   float64
		stop    float64
	}{
		{Long, 10000, 0.01, 100, 95},
		{Long, 2500, 0.02, 0.3412, 0.3301},
		{Short, 10000, 0.01, 100, 105},
		{Short, 777.7, 0.005, 64000, 65120},
	}

	for _, c := range cases {
		notional := Notional(c.balance, c.riskPct, c.entry, c.stop)
		qty := notional / c.entry
		loss := -PnL(c.dir, c.entry, c.stop, qty)
		want := c.balance * c.riskPct
		if !almostEqual(loss, want) {
			t.Errorf("%s entry=%v stop=%v: expected loss %.8f, got %.8f", c.dir, c.entry, c.stop, want, loss)
		}
	}
}

// TestApplySlippage verifies fills always move against the trader
func TestApplySlippage(t *testing.T) {
	tests := []struct {
		dir      Direction
		side     FillSide
		expected float64
	}{
		{Long, Entry, 100.05},
		{Long, Exit, 99.95},
		{Short, Entry, 99.95},
		{Short, Exit, 100.05},
	}

	for _, tt := range tests {
		got := ApplySlippage(100, tt.dir, 0.0005, tt.side)
		if !almostEqual(got, tt.expected) {
			t.Errorf("%s side=%d: expected %.4f, got %.4f", tt.dir, tt.side, tt.expected, got)
		}
	}

	if got := ApplySlippage(100, Long, 0, Exit); got != 100 {
		t.Errorf("Expected zero slippage to keep price, got %v", got)
	}
}

// TestStopFromLevels verifies the stop sits beyond both reference levels
func TestStopFromLevels(t *testing.T) {
	long := StopFromLevels(Long, 98, 97, 0.001)
	if !almostEqual(long, 97*0.999) {
		t.Errorf("Expected LONG stop %.6f, got %.6f", 97*0.999, long)
	}

	short := StopFromLevels(Short, 102, 103, 0.001)
	if !almostEqual(short, 103*1.001) {
		t.Errorf("Expected SHORT stop %.6f, got %.6f", 103*1.001, short)
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"LONG": Long, "buy": Long, " Sell ": Short, "short": Short} {
		got, ok := ParseDirection(in)
		if !ok || got != want {
			t.Errorf("ParseDirection(%q): expected %s, got %s (ok=%v)", in, want, got, ok)
		}
	}
	if _, ok := ParseDirection("FLAT"); ok {
		t.Error("Expected FLAT to be rejected")
	}
}

func TestManagerFee(t *testing.T) {
	rm := NewManager(Config{RiskPct: 0.01, FeePerSide: 0.001})
	if got := rm.Fee(2000); !almostEqual(got, 2) {
		t.Errorf("Expected fee 2, got %v", got)
	}
	if got := rm.PositionNotional(10000, 100, 95); !almostEqual(got, 2000) {
		t.Errorf("Expected notional 2000, got %v", got)
	}
}
