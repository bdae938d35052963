package gatekeeper

import (
	"fmt"
	"sort"
	"strings"

	"papertrader/internal/risk"
)

// Rule identifiers carried in Decision.Meta["rule"]
const (
	RuleOnePerSymbol     = "one_position_per_symbol"
	RuleNoHedge          = "no_hedge"
	RuleMaxActiveManaged = "max_active_managed"
)

const (
	ReasonAllow        = "ALLOW"
	ReasonOnePerSymbol = "BLOCK: symbol already has an open position"
	ReasonNoHedge      = "BLOCK: hedge detected (opposite side already open)"
)

// Holding is the normalized view of an open position the gatekeeper reasons about
type Holding interface {
	Instrument() string
	Side() risk.Direction
	Remaining() float64
	ActivelyManaged() bool
}

// Decision is the outcome of an admission check
type Decision struct {
	Allow  bool                   `json:"allow"`
	Reason string                 `json:"reason"`
	Meta   map[string]interface{} `json:"meta"`
}

// Rule returns the rule that blocked, or "" for an allow
func (d Decision) Rule() string {
	if r, ok := d.Meta["rule"].(string); ok {
		return r
	}
	return ""
}

// Config holds admission rule settings
type Config struct {
	MaxActiveManaged    int  `json:"max_active_managed"`
	EnforceOnePerSymbol bool `json:"enforce_one_per_symbol"`
	EnforceNoHedge      bool `json:"enforce_no_hedge"`
}

// DefaultConfig enables every rule with a ceiling of three managed positions
func DefaultConfig() Config {
	return Config{
		MaxActiveManaged:    3,
		EnforceOnePerSymbol: true,
		EnforceNoHedge:      true,
	}
}

// Gatekeeper decides whether a new position may open. It never mutates anything.
type Gatekeeper struct {
	config Config
}

// New creates a gatekeeper
func New(config Config) *Gatekeeper {
	return &Gatekeeper{config: config}
}

// MaxActiveManaged returns the configured ceiling
func (g *Gatekeeper) MaxActiveManaged() int {
	return g.config.MaxActiveManaged
}

// Evaluate checks the rules in order; the first violation wins
func (g *Gatekeeper) Evaluate(symbol string, side risk.Direction, open []Holding) Decision {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	var existing Holding
	for _, h := range open {
		if strings.EqualFold(h.Instrument(), sym) {
			existing = h
			break
		}
	}

	if g.config.EnforceOnePerSymbol && existing != nil && existing.Remaining() > 0 {
		return Decision{
			Allow:  false,
			Reason: ReasonOnePerSymbol,
			Meta: map[string]interface{}{
				"rule":          RuleOnePerSymbol,
				"symbol":        sym,
				"existing_side": string(existing.Side()),
				"remaining_qty": existing.Remaining(),
			},
		}
	}

	if g.config.EnforceNoHedge && existing != nil && existing.Side() != side && existing.Remaining() > 0 {
		return Decision{
			Allow:  false,
			Reason: ReasonNoHedge,
			Meta: map[string]interface{}{
				"rule":      RuleNoHedge,
				"symbol":    sym,
				"requested": string(side),
				"existing":  string(existing.Side()),
			},
		}
	}

	active := make([]string, 0, len(open))
	for _, h := range open {
		if h.Remaining() > 0 && h.ActivelyManaged() {
			active = append(active, h.Instrument())
		}
	}
	sort.Strings(active)

	if len(active) >= g.config.MaxActiveManaged {
		return Decision{
			Allow:  false,
			Reason: fmt.Sprintf("BLOCK: max active managed positions reached (%d/%d)", len(active), g.config.MaxActiveManaged),
			Meta: map[string]interface{}{
				"rule":           RuleMaxActiveManaged,
				"active_count":   len(active),
				"max":            g.config.MaxActiveManaged,
				"active_symbols": active,
			},
		}
	}

	return Decision{
		Allow:  true,
		Reason: ReasonAllow,
		Meta: map[string]interface{}{
			"active_count": len(active),
			"max":          g.config.MaxActiveManaged,
		},
	}
}
