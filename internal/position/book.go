package position

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/logging"
	"papertrader/internal/risk"
)

// Transition kinds, named after the event records they produce
const (
	KindStopClose  = "CLOSE_STOP"
	KindRungFill   = "TP_FILL"
	KindStopMove   = "SL_MOVE"
	KindLadderDone = "CLOSE_TP"
	KindDropped    = "DROP_INVALID"
)

// Refusal reasons for an admitted signal that still cannot open
const (
	RefusedBadPrice   = "non-positive entry reference price"
	RefusedStopSide   = "stop on the wrong side of entry"
	RefusedZeroSizing = "zero notional from sizing"
)

// ErrInvalidRequest is returned for a request without symbol or direction
var ErrInvalidRequest = errors.New("invalid open request")

// Fill is one realized exit slice
type Fill struct {
	Symbol    string         `json:"symbol"`
	Kind      string         `json:"type"` // STOP or the rung label
	Direction risk.Direction `json:"direction"`
	Quantity  float64        `json:"qty"`
	Entry     float64        `json:"entry"`
	Exit      float64        `json:"exit"`
	PnL       float64        `json:"pnl"`
	Fee       float64        `json:"fee"`
}

// Net is the balance change of the fill
func (f Fill) Net() float64 {
	return f.PnL - f.Fee
}

// Transition is one state change produced by a price observation, in order of occurrence
type Transition struct {
	Kind         string
	Fill         *Fill
	Rung         string
	NewStop      float64
	QuantityOpen float64

	state *Position // position after this transition
}

// Result summarizes what one observation did to a position
type Result struct {
	Symbol      string
	Transitions []Transition
	Closed      bool
}

func (r *Result) add(t Transition, p *Position) {
	t.state = p.Clone()
	r.Transitions = append(r.Transitions, t)
	r.Closed = p.Status == StatusClosed
}

// Prefix returns the result of applying only the first n transitions
func (r Result) Prefix(n int) Result {
	if n >= len(r.Transitions) {
		return r
	}
	if n < 0 {
		n = 0
	}
	out := Result{Symbol: r.Symbol, Transitions: r.Transitions[:n:n]}
	if n > 0 {
		out.Closed = r.Transitions[n-1].state.Status == StatusClosed
	}
	return out
}

// Fills returns the realized fills in order
func (r Result) Fills() []Fill {
	fills := make([]Fill, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		if t.Fill != nil {
			fills = append(fills, *t.Fill)
		}
	}
	return fills
}

// OpenRequest carries what a confirmed signal contributes to a new position
type OpenRequest struct {
	Symbol        string
	Direction     risk.Direction
	EntryRefPrice float64
	LevelA        float64 // moving-average reference level
	LevelB        float64 // retracement reference level
	SignalID      string
}

// OpenResult is the outcome of an open attempt
type OpenResult struct {
	Decision gatekeeper.Decision
	Position *Position
	Refused  string
}

// Opened reports whether a position was created
func (r OpenResult) Opened() bool {
	return r.Position != nil
}

// Book owns the open-position set of one engine and drives each position's lifecycle
type Book struct {
	positions map[string]*Position
	strategy  exits.Strategy
	risk      *risk.Manager
	gate      *gatekeeper.Gatekeeper
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBook creates a book over positions loaded from the state store
func NewBook(open map[string]*Position, strategy exits.Strategy, rm *risk.Manager, gate *gatekeeper.Gatekeeper, logger zerolog.Logger) *Book {
	positions := make(map[string]*Position, len(open))
	for sym, p := range open {
		positions[strings.ToUpper(sym)] = p
	}
	return &Book{
		positions: positions,
		strategy:  strategy,
		risk:      rm,
		gate:      gate,
		logger:    logger.With().Str("component", "PositionBook").Logger(),
		now:       time.Now,
	}
}

// Symbols returns the open symbols in sorted order
func (b *Book) Symbols() []string {
	syms := make([]string, 0, len(b.positions))
	for s := range b.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Get returns the open position for symbol
func (b *Book) Get(symbol string) (*Position, bool) {
	p, ok := b.positions[strings.ToUpper(symbol)]
	return p, ok
}

// Len returns the number of open positions
func (b *Book) Len() int {
	return len(b.positions)
}

// ActiveManaged counts positions that count toward the admission ceiling
func (b *Book) ActiveManaged() int {
	n := 0
	for _, p := range b.positions {
		if p.ActivelyManaged() {
			n++
		}
	}
	return n
}

// Holdings exposes the open set to the gatekeeper
func (b *Book) Holdings() []gatekeeper.Holding {
	out := make([]gatekeeper.Holding, 0, len(b.positions))
	for _, s := range b.Symbols() {
		out = append(out, b.positions[s])
	}
	return out
}

// Snapshot returns a deep copy of the open set for persistence
func (b *Book) Snapshot() map[string]*Position {
	out := make(map[string]*Position, len(b.positions))
	for s, p := range b.positions {
		out[s] = p.Clone()
	}
	return out
}

// Check asks the gatekeeper without opening anything
func (b *Book) Check(symbol string, side risk.Direction) gatekeeper.Decision {
	return b.gate.Evaluate(symbol, side, b.Holdings())
}

// Open admits and sizes a new position against balance
func (b *Book) Open(req OpenRequest, balance float64) (OpenResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || (req.Direction != risk.Long && req.Direction != risk.Short) {
		return OpenResult{}, ErrInvalidRequest
	}

	decision := b.Check(symbol, req.Direction)
	result := OpenResult{Decision: decision}
	if !decision.Allow {
		return result, nil
	}

	if req.EntryRefPrice <= 0 {
		result.Refused = RefusedBadPrice
		return result, nil
	}

	stop := b.risk.StopFromLevels(req.Direction, req.LevelA, req.LevelB)
	entry := b.risk.EntryFill(req.EntryRefPrice, req.Direction)

	if (req.Direction == risk.Long && stop >= entry) || (req.Direction == risk.Short && stop <= entry) {
		result.Refused = RefusedStopSide
		return result, nil
	}

	notional := b.risk.PositionNotional(balance, entry, stop)
	if notional <= 0 {
		result.Refused = RefusedZeroSizing
		return result, nil
	}
	qty := notional / entry

	ladder := b.strategy.Ladder(entry, req.Direction)
	filled := make(map[string]float64, len(ladder))
	for _, r := range ladder {
		filled[r.Label] = 0
	}

	p := &Position{
		Symbol:         symbol,
		Direction:      req.Direction,
		EntryPrice:     entry,
		EntryRefPrice:  req.EntryRefPrice,
		StopPrice:      stop,
		BreakEvenPrice: entry,
		QuantityTotal:  qty,
		QuantityOpen:   qty,
		Notional:       notional,
		Ladder:         ladder,
		Filled:         filled,
		Status:         StatusOpen,
		SignalID:       req.SignalID,
		OpenedAt:       b.now().UTC(),
	}
	b.positions[symbol] = p
	result.Position = p

	log := logging.PositionContext(b.logger, symbol, string(req.Direction), entry, qty)
	log.Info().
		Float64("stop", stop).
		Float64("notional", notional).
		Msg("Position opened")

	return result, nil
}

// Advance applies one price observation to the position for symbol and commits it.
// Callers skip symbols whose price is unavailable; px <= 0 is treated the same way.
func (b *Book) Advance(symbol string, px float64) Result {
	res := b.Plan(symbol, px)
	b.Commit(res)
	return res
}

// Plan computes what one price observation does to the position for symbol
// without changing the book. Commit applies the result, or a Prefix of it.
func (b *Book) Plan(symbol string, px float64) Result {
	symbol = strings.ToUpper(symbol)
	res := Result{Symbol: symbol}

	orig, ok := b.positions[symbol]
	if !ok || px <= 0 {
		return res
	}
	p := orig.Clone()
	log := logging.PositionContext(b.logger, symbol, string(p.Direction), p.EntryPrice, p.QuantityTotal)

	if p.QuantityOpen <= 0 || p.EntryPrice <= 0 {
		log.Warn().
			Float64("qty_open", p.QuantityOpen).
			Msg("Dropping invalid position")
		markClosed(p)
		res.add(Transition{Kind: KindDropped}, p)
		return res
	}

	if p.stopHit(px) {
		fill := b.exit(p, "STOP", p.StopPrice, p.QuantityOpen)
		p.QuantityOpen = 0
		markClosed(p)
		res.add(Transition{Kind: KindStopClose, Fill: &fill}, p)

		log.Info().
			Float64("px", px).
			Float64("stop", p.StopPrice).
			Float64("exit", fill.Exit).
			Float64("pnl", fill.PnL).
			Float64("fee", fill.Fee).
			Msg("Stop hit")
		return res
	}

	for _, rung := range p.Ladder {
		if p.QuantityOpen <= 0 {
			break
		}
		if p.rungFilled(rung.Label) || rung.Target <= 0 || !p.targetReached(px, rung.Target) {
			continue
		}

		qty := p.QuantityTotal * rung.Fraction
		if qty > p.QuantityOpen || p.QuantityOpen-qty <= p.QuantityTotal*dustRatio {
			qty = p.QuantityOpen
		}
		if qty <= 0 {
			continue
		}

		fill := b.exit(p, rung.Label, rung.Target, qty)
		p.QuantityOpen -= qty
		p.Filled[rung.Label] += qty
		p.Status = StatusPartiallyExited
		p.refreshRest()

		res.add(Transition{
			Kind:         KindRungFill,
			Fill:         &fill,
			Rung:         rung.Label,
			QuantityOpen: p.QuantityOpen,
		}, p)

		log.Info().
			Str("rung", rung.Label).
			Float64("exit", fill.Exit).
			Float64("qty", qty).
			Float64("pnl", fill.PnL).
			Float64("remaining", p.QuantityOpen).
			Msg("Rung filled")

		if newStop, moved := b.strategy.RelocateStop(p.view(), rung.Label); moved {
			p.StopPrice = newStop
			p.StopRelocated = true
			p.refreshRest()

			res.add(Transition{
				Kind:         KindStopMove,
				Rung:         rung.Label,
				NewStop:      newStop,
				QuantityOpen: p.QuantityOpen,
			}, p)

			log.Info().
				Float64("new_stop", newStop).
				Str("after", rung.Label).
				Bool("rest_position", p.Rest).
				Msg("Stop relocated")
		}
	}

	if p.QuantityOpen <= 0 {
		markClosed(p)
		res.add(Transition{Kind: KindLadderDone}, p)
	}

	return res
}

// Commit installs the state reached after the last transition of res.
// The stored *Position is updated in place so holders of it see the change.
func (b *Book) Commit(res Result) {
	if len(res.Transitions) == 0 {
		return
	}
	orig, ok := b.positions[res.Symbol]
	if !ok {
		return
	}
	next := res.Transitions[len(res.Transitions)-1].state
	if next == nil {
		return
	}
	*orig = *next.Clone()
	if orig.Status == StatusClosed {
		delete(b.positions, res.Symbol)
	}
}

func (b *Book) exit(p *Position, kind string, price, qty float64) Fill {
	exitPx := b.risk.ExitFill(price, p.Direction)
	pnl := risk.PnL(p.Direction, p.EntryPrice, exitPx, qty)
	return Fill{
		Symbol:    p.Symbol,
		Kind:      kind,
		Direction: p.Direction,
		Quantity:  qty,
		Entry:     p.EntryPrice,
		Exit:      exitPx,
		PnL:       pnl,
		Fee:       b.risk.Fee(qty * exitPx),
	}
}

func markClosed(p *Position) {
	p.Status = StatusClosed
	p.Rest = false
}
