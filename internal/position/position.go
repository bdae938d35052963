package position

import (
	"time"

	"papertrader/internal/exits"
	"papertrader/internal/risk"
)

// Status is the lifecycle state of a position
type Status string

const (
	StatusOpen            Status = "OPEN"             // Nothing exited yet
	StatusPartiallyExited Status = "PARTIALLY_EXITED" // At least one rung filled
	StatusClosed          Status = "CLOSED"           // Stopped out or ladder exhausted
)

// largelyExitedFraction is the filled share above which a position may become a rest position
const largelyExitedFraction = 0.5

// dustRatio is the share of QuantityTotal treated as zero after a fill
const dustRatio = 1e-12

// Position is the canonical record of one simulated position
type Position struct {
	Symbol         string             `json:"symbol"`
	Direction      risk.Direction     `json:"direction"`
	EntryPrice     float64            `json:"entry_price"`
	EntryRefPrice  float64            `json:"entry_ref_price"`
	StopPrice      float64            `json:"stop_price"`
	BreakEvenPrice float64            `json:"break_even_price"`
	QuantityTotal  float64            `json:"quantity_total"`
	QuantityOpen   float64            `json:"quantity_open"`
	Notional       float64            `json:"notional"`
	Ladder         []exits.Rung       `json:"exit_ladder"`
	Filled         map[string]float64 `json:"filled_quantity_by_label"`
	StopRelocated  bool               `json:"stop_relocated"`
	Rest           bool               `json:"no_active_decisions"`
	Status         Status             `json:"status"`
	SignalID       string             `json:"signal_id"`
	OpenedAt       time.Time          `json:"opened_at"`
}

// Instrument returns the symbol
func (p *Position) Instrument() string { return p.Symbol }

// Side returns the direction
func (p *Position) Side() risk.Direction { return p.Direction }

// Remaining returns the open quantity
func (p *Position) Remaining() float64 { return p.QuantityOpen }

// ActivelyManaged reports whether the position counts toward the admission ceiling
func (p *Position) ActivelyManaged() bool {
	return p.Status != StatusClosed && p.QuantityOpen > 0 && !p.Rest
}

// SoldFraction is the share of QuantityTotal already exited, clamped to [0,1]
func (p *Position) SoldFraction() float64 {
	if p.QuantityTotal <= 0 {
		return 0
	}
	sold := 1 - p.QuantityOpen/p.QuantityTotal
	if sold < 0 {
		return 0
	}
	if sold > 1 {
		return 1
	}
	return sold
}

// FilledTotal sums the quantity exited across all rungs
func (p *Position) FilledTotal() float64 {
	total := 0.0
	for _, q := range p.Filled {
		total += q
	}
	return total
}

// StopBeyondBreakEven reports whether the stop locks in profit
func (p *Position) StopBeyondBreakEven() bool {
	if p.BreakEvenPrice <= 0 {
		return false
	}
	if p.Direction == risk.Long {
		return p.StopPrice > p.BreakEvenPrice
	}
	return p.StopPrice < p.BreakEvenPrice
}

// refreshRest applies the rest-position rule: more than half sold and the stop beyond break-even
func (p *Position) refreshRest() {
	p.Rest = p.SoldFraction() > largelyExitedFraction && p.StopBeyondBreakEven()
}

func (p *Position) rungFilled(label string) bool {
	return p.Filled[label] > 0
}

func (p *Position) stopHit(px float64) bool {
	if p.Direction == risk.Long {
		return px <= p.StopPrice
	}
	return px >= p.StopPrice
}

func (p *Position) targetReached(px, target float64) bool {
	if p.Direction == risk.Long {
		return px >= target
	}
	return px <= target
}

func (p *Position) view() exits.PositionView {
	return exits.PositionView{
		Direction: p.Direction,
		Entry:     p.EntryPrice,
		Stop:      p.StopPrice,
		Ladder:    p.Ladder,
	}
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	c := *p
	c.Ladder = append([]exits.Rung(nil), p.Ladder...)
	c.Filled = make(map[string]float64, len(p.Filled))
	for k, v := range p.Filled {
		c.Filled[k] = v
	}
	return &c
}
