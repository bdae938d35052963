package position

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/risk"
)

const tolerance = 1e-9

// stubStrategy returns a fixed ladder and at most one relocation
type stubStrategy struct {
	rungs []exits.Rung
	after string
	to    float64
}

func (s stubStrategy) Name() string { return "STUB" }

func (s stubStrategy) Ladder(entry float64, dir risk.Direction) []exits.Rung {
	return append([]exits.Rung(nil), s.rungs...)
}

func (s stubStrategy) RelocateStop(pos exits.PositionView, label string) (float64, bool) {
	if s.after != "" && label == s.after {
		return s.to, true
	}
	return 0, false
}

func newTestBook(strategy exits.Strategy, cfg risk.Config, open map[string]*Position) *Book {
	return NewBook(open, strategy, risk.NewManager(cfg), gatekeeper.New(gatekeeper.DefaultConfig()), zerolog.Nop())
}

func seedPosition(symbol string, dir risk.Direction, entry, stop, qty float64, ladder []exits.Rung) *Position {
	filled := make(map[string]float64)
	for _, r := range ladder {
		filled[r.Label] = 0
	}
	return &Position{
		Symbol:         symbol,
		Direction:      dir,
		EntryPrice:     entry,
		StopPrice:      stop,
		BreakEvenPrice: entry,
		QuantityTotal:  qty,
		QuantityOpen:   qty,
		Ladder:         ladder,
		Filled:         filled,
		Status:         StatusOpen,
		OpenedAt:       time.Now(),
	}
}

func sumNet(results ...Result) float64 {
	total := 0.0
	for _, r := range results {
		for _, f := range r.Fills() {
			total += f.Net()
		}
	}
	return total
}

// TestTwoRungLongScenario walks a LONG through both rungs of a two-step ladder
func TestTwoRungLongScenario(t *testing.T) {
	ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 0.5}, {Label: "R2", Target: 103, Fraction: 0.5}}
	strat := stubStrategy{rungs: ladder}
	cfg := risk.Config{RiskPct: 0.01, FeePerSide: 0.001}
	book := newTestBook(strat, cfg, map[string]*Position{
		"BTCUSDT": seedPosition("BTCUSDT", risk.Long, 100, 95, 2, ladder),
	})

	r1 := book.Advance("BTCUSDT", 100.5)
	if len(r1.Transitions) != 0 {
		t.Fatalf("Expected no transitions at 100.5, got %d", len(r1.Transitions))
	}

	r2 := book.Advance("BTCUSDT", 101.2)
	fills := r2.Fills()
	if len(fills) != 1 || fills[0].Kind != "R1" {
		t.Fatalf("Expected R1 fill at 101.2, got %+v", fills)
	}
	p, ok := book.Get("BTCUSDT")
	if !ok {
		t.Fatal("Expected position still open after R1")
	}
	if math.Abs(p.SoldFraction()-0.5) > tolerance {
		t.Errorf("Expected 50%% exited, got %v", p.SoldFraction())
	}
	if p.Status != StatusPartiallyExited {
		t.Errorf("Expected status %s, got %s", StatusPartiallyExited, p.Status)
	}

	r3 := book.Advance("BTCUSDT", 103.5)
	fills = r3.Fills()
	if len(fills) != 1 || fills[0].Kind != "R2" {
		t.Fatalf("Expected R2 fill at 103.5, got %+v", fills)
	}
	if !r3.Closed {
		t.Error("Expected position closed after R2")
	}
	if _, ok := book.Get("BTCUSDT"); ok {
		t.Error("Expected BTCUSDT removed from the open set")
	}
	if p.QuantityOpen != 0 {
		t.Errorf("Expected quantity_open 0, got %v", p.QuantityOpen)
	}

	last := r3.Transitions[len(r3.Transitions)-1]
	if last.Kind != KindLadderDone {
		t.Errorf("Expected final transition %s, got %s", KindLadderDone, last.Kind)
	}

	// Fills happen at each rung's own target, not the observation price
	expected := (101-100)*1 - 101*1*0.001 + (103-100)*1 - 103*1*0.001
	if got := sumNet(r1, r2, r3); math.Abs(got-expected) > tolerance {
		t.Errorf("Expected net %.6f, got %.6f", expected, got)
	}
}

// TestShortGapThroughStop verifies a gap past the stop closes once and skips the ladder
func TestShortGapThroughStop(t *testing.T) {
	ladder := []exits.Rung{{Label: "TP1", Target: 99, Fraction: 0.5}, {Label: "TP2", Target: 97, Fraction: 0.5}}
	book := newTestBook(stubStrategy{rungs: ladder}, risk.Config{}, map[string]*Position{
		"ETHUSDT": seedPosition("ETHUSDT", risk.Short, 100, 105, 3, ladder),
	})

	res := book.Advance("ETHUSDT", 106)
	if len(res.Transitions) != 1 || res.Transitions[0].Kind != KindStopClose {
		t.Fatalf("Expected a single %s transition, got %+v", KindStopClose, res.Transitions)
	}
	fill := res.Transitions[0].Fill
	if fill.Quantity != 3 {
		t.Errorf("Expected full quantity 3 closed, got %v", fill.Quantity)
	}
	if fill.Exit != 105 {
		t.Errorf("Expected exit at stop 105, got %v", fill.Exit)
	}
	if math.Abs(fill.PnL-(-15)) > tolerance {
		t.Errorf("Expected pnl -15, got %v", fill.PnL)
	}
	if book.Len() != 0 {
		t.Errorf("Expected empty book, got %d", book.Len())
	}

	again := book.Advance("ETHUSDT", 107)
	if len(again.Transitions) != 0 {
		t.Errorf("Expected no transitions for a closed symbol, got %d", len(again.Transitions))
	}
}

// TestGapFillsMultipleRungs verifies several rungs fire in ladder order within one observation
func TestGapFillsMultipleRungs(t *testing.T) {
	strat := exits.NewFinal404020()
	ladder := strat.Ladder(100, risk.Long)
	book := newTestBook(strat, risk.Config{}, map[string]*Position{
		"SOLUSDT": seedPosition("SOLUSDT", risk.Long, 100, 95, 10, ladder),
	})

	res := book.Advance("SOLUSDT", 102.5)
	var kinds []string
	for _, tr := range res.Transitions {
		kinds = append(kinds, tr.Kind+":"+tr.Rung)
	}
	expected := []string{"TP_FILL:TP1", "TP_FILL:TP2", "SL_MOVE:TP2"}
	if len(kinds) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, kinds)
	}
	for i := range expected {
		if kinds[i] != expected[i] {
			t.Errorf("Expected transition %d to be %s, got %s", i, expected[i], kinds[i])
		}
	}

	p, _ := book.Get("SOLUSDT")
	if math.Abs(p.StopPrice-101) > tolerance {
		t.Errorf("Expected stop relocated to TP1 price 101, got %v", p.StopPrice)
	}
	if !p.StopRelocated {
		t.Error("Expected stop_relocated to be set")
	}
	if !p.Rest {
		t.Error("Expected rest position after 80% exit with stop above break-even")
	}
	if p.ActivelyManaged() {
		t.Error("Rest position should not be actively managed")
	}

	// Rest position can still be stopped out
	res = book.Advance("SOLUSDT", 100.9)
	if !res.Closed || res.Transitions[0].Kind != KindStopClose {
		t.Fatalf("Expected rest position to stop out, got %+v", res.Transitions)
	}
	if math.Abs(res.Fills()[0].Quantity-2) > 1e-9 {
		t.Errorf("Expected remaining 2 closed at stop, got %v", res.Fills()[0].Quantity)
	}
}

// TestRestPositionRequiresFillAndStop verifies neither condition alone flips the flag
func TestRestPositionRequiresFillAndStop(t *testing.T) {
	t.Run("fill without relocation", func(t *testing.T) {
		ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 0.75}, {Label: "R2", Target: 103, Fraction: 0.25}}
		book := newTestBook(stubStrategy{rungs: ladder}, risk.Config{}, map[string]*Position{
			"BTCUSDT": seedPosition("BTCUSDT", risk.Long, 100, 95, 4, ladder),
		})
		book.Advance("BTCUSDT", 101)
		p, _ := book.Get("BTCUSDT")
		if p.Rest {
			t.Error("Expected no rest position without a stop relocation")
		}
		if !p.ActivelyManaged() {
			t.Error("Expected position to remain actively managed")
		}
	})

	t.Run("relocation without enough fill", func(t *testing.T) {
		ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 0.4}, {Label: "R2", Target: 103, Fraction: 0.6}}
		book := newTestBook(stubStrategy{rungs: ladder, after: "R1", to: 100.5}, risk.Config{}, map[string]*Position{
			"BTCUSDT": seedPosition("BTCUSDT", risk.Long, 100, 95, 4, ladder),
		})
		book.Advance("BTCUSDT", 101)
		p, _ := book.Get("BTCUSDT")
		if !p.StopRelocated || p.StopPrice != 100.5 {
			t.Fatalf("Expected stop relocated to 100.5, got %v (relocated=%v)", p.StopPrice, p.StopRelocated)
		}
		if p.Rest {
			t.Error("Expected no rest position at 40% exited")
		}
	})

	t.Run("exactly half is not largely exited", func(t *testing.T) {
		ladder := []exits.Rung{{Label: "R1", Target: 99, Fraction: 0.5}, {Label: "R2", Target: 97, Fraction: 0.5}}
		book := newTestBook(stubStrategy{rungs: ladder, after: "R1", to: 99.5}, risk.Config{}, map[string]*Position{
			"BTCUSDT": seedPosition("BTCUSDT", risk.Short, 100, 105, 4, ladder),
		})
		book.Advance("BTCUSDT", 99)
		p, _ := book.Get("BTCUSDT")
		if p.Rest {
			t.Error("Expected no rest position at exactly 50% exited")
		}
	})
}

// TestQuantityInvariant walks random prices through every variant and checks bookkeeping at each step
func TestQuantityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, name := range exits.Names() {
		for _, dir := range []risk.Direction{risk.Long, risk.Short} {
			strat, _ := exits.ByName(name)
			stop := 95.0
			if dir == risk.Short {
				stop = 105
			}
			book := newTestBook(strat, risk.Config{Slippage: 0.0005, FeePerSide: 0.0004}, map[string]*Position{
				"XRPUSDT": seedPosition("XRPUSDT", dir, 100, stop, 7.3, strat.Ladder(100, dir)),
			})
			p, _ := book.Get("XRPUSDT")

			px := 100.0
			for step := 0; step < 200 && book.Len() > 0; step++ {
				drift := 0.35
				if dir == risk.Short {
					drift = -0.35
				}
				px += drift * rng.Float64()
				if rng.Intn(5) == 0 {
					px -= drift * 2
				}
				book.Advance("XRPUSDT", px)

				if p.QuantityOpen < 0 || p.QuantityOpen > p.QuantityTotal {
					t.Fatalf("%s %s: quantity_open %v outside [0,%v]", name, dir, p.QuantityOpen, p.QuantityTotal)
				}
				if p.Status != StatusClosed {
					if diff := math.Abs(p.QuantityTotal - p.FilledTotal() - p.QuantityOpen); diff > 1e-9 {
						t.Fatalf("%s %s: open %v != total %v - filled %v", name, dir, p.QuantityOpen, p.QuantityTotal, p.FilledTotal())
					}
				}
				if p.FilledTotal() > p.QuantityTotal*(1+1e-12) {
					t.Fatalf("%s %s: filled %v exceeds total %v", name, dir, p.FilledTotal(), p.QuantityTotal)
				}
				for _, r := range p.Ladder {
					if p.Filled[r.Label] > p.QuantityTotal*r.Fraction*(1+1e-12) {
						t.Fatalf("%s %s: rung %s over-filled", name, dir, r.Label)
					}
				}
			}
		}
	}
}

// TestOpenSizesToRisk verifies Open sizing and that a stop-out costs exactly the risk amount
func TestOpenSizesToRisk(t *testing.T) {
	strat := exits.NewExperimentFib()
	book := newTestBook(strat, risk.Config{RiskPct: 0.01}, nil)

	res, err := book.Open(OpenRequest{
		Symbol:        "bnbusdt",
		Direction:     risk.Long,
		EntryRefPrice: 100,
		LevelA:        96,
		LevelB:        95.5,
		SignalID:      "abc",
	}, 10000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !res.Opened() {
		t.Fatalf("Expected position opened, got refused=%q reason=%q", res.Refused, res.Decision.Reason)
	}
	p := res.Position
	if p.Symbol != "BNBUSDT" {
		t.Errorf("Expected symbol BNBUSDT, got %s", p.Symbol)
	}
	if p.StopPrice != 95.5 {
		t.Errorf("Expected stop 95.5, got %v", p.StopPrice)
	}
	if len(p.Ladder) != 2 {
		t.Errorf("Expected 2 rungs, got %d", len(p.Ladder))
	}

	out := book.Advance("BNBUSDT", 95)
	if got := sumNet(out); math.Abs(got-(-100)) > 1e-6 {
		t.Errorf("Expected stop-out loss of 100, got %v", got)
	}
}

func TestOpenRefusals(t *testing.T) {
	book := newTestBook(exits.NewFinal404020(), risk.Config{RiskPct: 0.01}, nil)

	tests := []struct {
		name    string
		req     OpenRequest
		refused string
	}{
		{"zero reference price", OpenRequest{Symbol: "A", Direction: risk.Long, EntryRefPrice: 0, LevelA: 1, LevelB: 1}, RefusedBadPrice},
		{"long stop above entry", OpenRequest{Symbol: "B", Direction: risk.Long, EntryRefPrice: 100, LevelA: 101, LevelB: 102}, RefusedStopSide},
		{"short stop below entry", OpenRequest{Symbol: "C", Direction: risk.Short, EntryRefPrice: 100, LevelA: 99, LevelB: 98}, RefusedStopSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := book.Open(tt.req, 10000)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if res.Opened() {
				t.Fatal("Expected refusal")
			}
			if res.Refused != tt.refused {
				t.Errorf("Expected refusal %q, got %q", tt.refused, res.Refused)
			}
		})
	}

	if book.Len() != 0 {
		t.Errorf("Expected no positions after refusals, got %d", book.Len())
	}

	if _, err := book.Open(OpenRequest{Symbol: "", Direction: risk.Long}, 10000); err == nil {
		t.Error("Expected error for empty symbol")
	}
}

// TestHedgeBlockedUntilExhausted verifies the opposite side opens only after the first position closes
func TestHedgeBlockedUntilExhausted(t *testing.T) {
	book := newTestBook(exits.NewFinal404020(), risk.Config{RiskPct: 0.01}, nil)
	req := OpenRequest{Symbol: "ADAUSDT", Direction: risk.Long, EntryRefPrice: 100, LevelA: 95, LevelB: 95}
	if res, _ := book.Open(req, 10000); !res.Opened() {
		t.Fatal("Expected first open to succeed")
	}

	short := OpenRequest{Symbol: "ADAUSDT", Direction: risk.Short, EntryRefPrice: 100, LevelA: 105, LevelB: 105}
	res, _ := book.Open(short, 10000)
	if res.Decision.Allow {
		t.Fatal("Expected opposite-side request to be blocked")
	}

	book.Advance("ADAUSDT", 90)
	res, _ = book.Open(short, 10000)
	if !res.Opened() {
		t.Errorf("Expected opposite side to open after stop-out, got %q", res.Decision.Reason)
	}
}

func TestAdvanceDropsInvalidPosition(t *testing.T) {
	ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 1}}
	zombie := seedPosition("DOGEUSDT", risk.Long, 100, 95, 1, ladder)
	zombie.QuantityOpen = 0
	book := newTestBook(stubStrategy{rungs: ladder}, risk.Config{}, map[string]*Position{"DOGEUSDT": zombie})

	res := book.Advance("DOGEUSDT", 100)
	if !res.Closed || len(res.Fills()) != 0 {
		t.Errorf("Expected invalid position dropped without fills, got %+v", res)
	}
	if book.Len() != 0 {
		t.Errorf("Expected empty book, got %d", book.Len())
	}
}

func TestAdvanceIgnoresNonPositivePrice(t *testing.T) {
	ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 1}}
	book := newTestBook(stubStrategy{rungs: ladder}, risk.Config{}, map[string]*Position{
		"BTCUSDT": seedPosition("BTCUSDT", risk.Long, 100, 95, 1, ladder),
	})
	if res := book.Advance("BTCUSDT", 0); len(res.Transitions) != 0 {
		t.Errorf("Expected zero price to be ignored, got %+v", res.Transitions)
	}
}

// TestFinalRungAbsorbsDust verifies a residue below the dust ratio is sold with the last rung
func TestFinalRungAbsorbsDust(t *testing.T) {
	ladder := []exits.Rung{{Label: "R1", Target: 101, Fraction: 0.5}, {Label: "R2", Target: 103, Fraction: 0.5}}
	p := seedPosition("BTCUSDT", risk.Long, 100, 95, 1, ladder)
	p.Filled["R1"] = 0.5 - 1e-15
	p.QuantityOpen = 0.5 + 1e-15
	p.Status = StatusPartiallyExited
	book := newTestBook(stubStrategy{rungs: ladder}, risk.Config{}, map[string]*Position{"BTCUSDT": p})

	res := book.Advance("BTCUSDT", 103)
	if !res.Closed {
		t.Fatalf("Expected position closed, got %+v", res.Transitions)
	}
	fill := res.Fills()[0]
	if fill.Quantity != 0.5+1e-15 {
		t.Errorf("Expected fill to include the residue, got %v", fill.Quantity)
	}
	if p.QuantityOpen != 0 {
		t.Errorf("Expected quantity_open 0, got %v", p.QuantityOpen)
	}
	if p.Filled["R2"] != fill.Quantity {
		t.Errorf("Expected R2 filled %v, got %v", fill.Quantity, p.Filled["R2"])
	}
	if diff := math.Abs(p.QuantityTotal - p.FilledTotal() - p.QuantityOpen); diff > 1e-15 {
		t.Errorf("Expected total - filled = open, off by %v", diff)
	}
}

// TestPlanLeavesBookUntilCommit verifies planning is side-effect free and a prefix commits partially
func TestPlanLeavesBookUntilCommit(t *testing.T) {
	strat := exits.NewFinal404020()
	ladder := strat.Ladder(100, risk.Long)
	p := seedPosition("SOLUSDT", risk.Long, 100, 95, 10, ladder)
	book := newTestBook(strat, risk.Config{}, map[string]*Position{"SOLUSDT": p})

	res := book.Plan("SOLUSDT", 102.5)
	if len(res.Fills()) != 2 {
		t.Fatalf("Expected 2 planned fills, got %d", len(res.Fills()))
	}
	if p.QuantityOpen != 10 || p.Filled["TP1"] != 0 || p.StopPrice != 95 {
		t.Fatalf("Expected position untouched by Plan, got open=%v filled=%v stop=%v", p.QuantityOpen, p.Filled, p.StopPrice)
	}

	first := res.Prefix(1)
	if len(first.Transitions) != 1 || first.Closed {
		t.Fatalf("Expected one open transition, got %+v", first)
	}
	book.Commit(first)
	if math.Abs(p.QuantityOpen-6) > tolerance {
		t.Errorf("Expected 6 open after TP1 only, got %v", p.QuantityOpen)
	}
	if p.Filled["TP2"] != 0 || p.StopPrice != 95 {
		t.Errorf("Expected TP2 and relocation left uncommitted, got filled=%v stop=%v", p.Filled["TP2"], p.StopPrice)
	}

	book.Commit(res.Prefix(0))
	if math.Abs(p.QuantityOpen-6) > tolerance {
		t.Errorf("Expected empty prefix to change nothing, got %v", p.QuantityOpen)
	}

	again := book.Plan("SOLUSDT", 102.5)
	book.Commit(again)
	if p.Filled["TP1"] != 4 || math.Abs(p.Filled["TP2"]-4) > tolerance || math.Abs(p.StopPrice-101) > tolerance {
		t.Errorf("Expected TP2 fill and relocation after retry, got filled=%v stop=%v", p.Filled, p.StopPrice)
	}
}
