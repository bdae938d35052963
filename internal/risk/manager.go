package risk

import (
	"math"
	"strings"
)

// Direction is the side of a simulated position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection normalizes LONG/SHORT and the BUY/SELL aliases
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, true
	case "SHORT", "SELL":
		return Short, true
	}
	return "", false
}

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// FillSide tells ApplySlippage whether a fill opens or closes a position
type FillSide int

const (
	Entry FillSide = iota
	Exit
)

// Config holds sizing and fill model parameters
type Config struct {
	RiskPct    float64 // Fraction of balance risked per trade (0.01 = 1%)
	Slippage   float64 // Fraction applied against the trader on every fill
	FeePerSide float64 // Fraction of exit notional charged as fee
	StopBuffer float64 // Fraction placed beyond the reference levels when deriving the stop
}

// DefaultConfig returns the paper trading defaults
func DefaultConfig() Config {
	return Config{
		RiskPct:    0.01,
		Slippage:   0.0005,
		FeePerSide: 0.0,
		StopBuffer: 0.001,
	}
}

// Manager applies the sizing and fill model for one engine
type Manager struct {
	config Config
}

// NewManager creates a new risk manager
func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// Config returns the manager's parameters
func (rm *Manager) Config() Config {
	return rm.config
}

// PositionNotional sizes a position so that a stop-out loses balance*RiskPct before costs
func (rm *Manager) PositionNotional(balance, entryPrice, stopPrice float64) float64 {
	return Notional(balance, rm.config.RiskPct, entryPrice, stopPrice)
}

// EntryFill returns the slippage-adjusted entry price
func (rm *Manager) EntryFill(price float64, dir Direction) float64 {
	return ApplySlippage(price, dir, rm.config.Slippage, Entry)
}

// ExitFill returns the slippage-adjusted exit price
func (rm *Manager) ExitFill(price float64, dir Direction) float64 {
	return ApplySlippage(price, dir, rm.config.Slippage, Exit)
}

// Fee returns the fee charged on an exit of the given notional
func (rm *Manager) Fee(notional float64) float64 {
	return notional * rm.config.FeePerSide
}

// StopFromLevels derives the initial stop from the signal's reference levels
func (rm *Manager) StopFromLevels(dir Direction, levelA, levelB float64) float64 {
	return StopFromLevels(dir, levelA, levelB, rm.config.StopBuffer)
}

// Notional returns the position notional for a risk-based sizing.
// Zero means the position must not be opened.
func Notional(balance, riskPct, entryPrice, stopPrice float64) float64 {
	if balance <= 0 || riskPct <= 0 || entryPrice <= 0 || stopPrice <= 0 {
		return 0
	}

	riskAmount := balance * riskPct
	stopDistance := math.Abs(entryPrice - stopPrice)
	if stopDistance <= 0 {
		return 0
	}

	qty := riskAmount / stopDistance
	return qty * entryPrice
}

// ApplySlippage moves a fill price against the trader
func ApplySlippage(price float64, dir Direction, slippage float64, side FillSide) float64 {
	up := price * (1 + slippage)
	down := price * (1 - slippage)

	if dir == Long {
		if side == Entry {
			return up
		}
		return down
	}
	if side == Entry {
		return down
	}
	return up
}

// PnL returns the realized profit of closing qty at exit
func PnL(dir Direction, entry, exit, qty float64) float64 {
	if dir == Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

// StopFromLevels places the stop beyond both reference levels.
// LONG: below the lower level. SHORT: above the higher level.
func StopFromLevels(dir Direction, levelA, levelB, buffer float64) float64 {
	if dir == Long {
		return math.Min(levelA, levelB) * (1 - buffer)
	}
	return math.Max(levelA, levelB) * (1 + buffer)
}
