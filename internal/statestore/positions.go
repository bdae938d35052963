package statestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"papertrader/internal/exits"
	"papertrader/internal/position"
	"papertrader/internal/risk"
)

// LadderFunc rebuilds a ladder for legacy records that did not persist one
type LadderFunc func(entry float64, dir risk.Direction) []exits.Rung

// positionsDoc is the on-disk shape of positions.json
type positionsDoc struct {
	Open map[string]json.RawMessage `json:"open"`
}

type canonicalDoc struct {
	Open map[string]*position.Position `json:"open"`
}

// LoadPositions reads the open-position set, migrating legacy records to the canonical structure.
// rebuild may be nil; it is only consulted for legacy records without a ladder.
func (s *Store) LoadPositions(rebuild LadderFunc) (map[string]*position.Position, error) {
	doc, err := Load(s.Path(PositionsFile), positionsDoc{}, "open")
	if err != nil {
		return nil, err
	}

	out := make(map[string]*position.Position, len(doc.Open))
	migrated := 0
	for sym, raw := range doc.Open {
		p, legacy, err := decodePosition(raw, rebuild)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: position %s: %v", ErrCorrupt, s.Path(PositionsFile), sym, err)
		}
		if p.Symbol == "" {
			p.Symbol = sym
		}
		p.Symbol = strings.ToUpper(p.Symbol)
		if legacy {
			migrated++
		}
		out[p.Symbol] = p
	}

	if migrated > 0 {
		s.logger.Info().Int("migrated", migrated).Msg("Migrated legacy position records")
	}
	return out, nil
}

// SavePositions persists the open-position set
func (s *Store) SavePositions(open map[string]*position.Position) error {
	if open == nil {
		open = map[string]*position.Position{}
	}
	return Save(s.Path(PositionsFile), canonicalDoc{Open: open})
}

func decodePosition(raw json.RawMessage, rebuild LadderFunc) (*position.Position, bool, error) {
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, err
	}

	if _, ok := probe["quantity_total"]; ok {
		var p position.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, false, err
		}
		if p.Filled == nil {
			p.Filled = map[string]float64{}
		}
		return &p, false, nil
	}

	p, err := migrateLegacy(probe, rebuild)
	return p, true, err
}

// migrateLegacy maps the older loosely keyed record onto Position
func migrateLegacy(m map[string]interface{}, rebuild LadderFunc) (*position.Position, error) {
	dir, ok := risk.ParseDirection(str(m, "direction", "side"))
	if !ok {
		return nil, fmt.Errorf("unknown direction %q", str(m, "direction", "side"))
	}

	p := &position.Position{
		Symbol:        str(m, "symbol"),
		Direction:     dir,
		EntryPrice:    num(m, "entry", "entry_price", "avg_entry"),
		EntryRefPrice: num(m, "entry_ref"),
		StopPrice:     num(m, "sl", "stop_loss"),
		QuantityOpen:  num(m, "qty_open", "remaining_qty", "qty", "position_qty"),
		Notional:      num(m, "notional"),
		StopRelocated: boolean(m, "moved_sl"),
		Rest:          boolean(m, "no_active_decisions"),
		SignalID:      str(m, "signal_id"),
		Filled:        map[string]float64{},
	}

	p.QuantityTotal = num(m, "qty_total", "initial_qty", "qty_initial", "initial_position_qty")
	if p.QuantityTotal <= 0 {
		p.QuantityTotal = p.QuantityOpen
	}
	p.BreakEvenPrice = num(m, "break_even", "be")
	if p.BreakEvenPrice <= 0 {
		p.BreakEvenPrice = p.EntryPrice
	}

	if ts := str(m, "ts_open", "opened_at"); ts != "" {
		p.OpenedAt = parseTime(ts)
	}

	if filled, ok := m["filled"].(map[string]interface{}); ok {
		for label, v := range filled {
			if f, ok := v.(float64); ok {
				p.Filled[label] = f
			}
		}
	}

	p.Ladder = legacyLadder(m)
	if !sellsEverything(p.Ladder) && rebuild != nil && p.EntryPrice > 0 {
		p.Ladder = rebuild(p.EntryPrice, dir)
	}
	for _, r := range p.Ladder {
		if _, ok := p.Filled[r.Label]; !ok {
			p.Filled[r.Label] = 0
		}
	}

	switch {
	case p.QuantityOpen <= 0:
		p.Status = position.StatusClosed
	case p.QuantityOpen < p.QuantityTotal:
		p.Status = position.StatusPartiallyExited
	default:
		p.Status = position.StatusOpen
	}

	return p, nil
}

// legacyLadder joins the "tps" targets with the "splits" fractions, in splits order
func legacyLadder(m map[string]interface{}) []exits.Rung {
	targets := map[string]float64{}
	var order []string

	switch tps := m["tps"].(type) {
	case map[string]interface{}:
		for label, v := range tps {
			if f, ok := v.(float64); ok {
				targets[label] = f
				order = append(order, label)
			}
		}
		sort.Strings(order)
	case []interface{}:
		for _, item := range tps {
			if pair, ok := item.([]interface{}); ok && len(pair) == 2 {
				label, _ := pair[0].(string)
				f, _ := pair[1].(float64)
				if label != "" {
					targets[label] = f
					order = append(order, label)
				}
			}
		}
	}

	fractions := map[string]float64{}
	if splits, ok := m["splits"].([]interface{}); ok {
		order = order[:0]
		for _, item := range splits {
			if pair, ok := item.([]interface{}); ok && len(pair) == 2 {
				label, _ := pair[0].(string)
				f, _ := pair[1].(float64)
				if label != "" {
					fractions[label] = f
					order = append(order, label)
				}
			}
		}
	}

	var ladder []exits.Rung
	for _, label := range order {
		target, ok := targets[label]
		if !ok {
			continue
		}
		ladder = append(ladder, exits.Rung{Label: label, Target: target, Fraction: fractions[label]})
	}
	return ladder
}

func sellsEverything(ladder []exits.Rung) bool {
	total := 0.0
	for _, r := range ladder {
		total += r.Fraction
	}
	return total > 0.999
}

func str(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func num(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
				return f
			}
		}
	}
	return 0
}

func boolean(m map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
