package engine

import (
	"encoding/json"

	"papertrader/internal/journal"
	"papertrader/internal/position"
)

// Event record types
const (
	TypeOpen            = "OPEN"
	TypeGatekeeperBlock = "GATEKEEPER_BLOCK"
	TypeCloseStop       = position.KindStopClose
	TypeRungFill        = position.KindRungFill
	TypeStopMove        = position.KindStopMove
	TypeCloseLadder     = position.KindLadderDone
	TypeDropInvalid     = position.KindDropped
)

// eventRow holds every column an event may use so the events file keeps one header
type eventRow struct {
	Symbol    string
	Direction string
	Reason    string
	Meta      string
	SignalID  string
	Entry     float64
	Stop      float64
	Notional  float64
	Qty       float64
	Rung      string
	Exit      float64
	PnL       float64
	Fee       float64
	QtyOpen   float64
	NewStop   float64

	// realized rows keep zero pnl, fee and qty_open instead of leaving them blank
	realized bool
}

func (r eventRow) fields() []journal.Field {
	num := func(v float64) interface{} {
		if v == 0 {
			return nil
		}
		return v
	}
	amount := func(v float64) interface{} {
		if r.realized {
			return v
		}
		return num(v)
	}
	return []journal.Field{
		journal.F("symbol", r.Symbol),
		journal.F("direction", r.Direction),
		journal.F("reason", r.Reason),
		journal.F("meta", r.Meta),
		journal.F("signal_id", r.SignalID),
		journal.F("entry", num(r.Entry)),
		journal.F("sl", num(r.Stop)),
		journal.F("notional", num(r.Notional)),
		journal.F("qty", num(r.Qty)),
		journal.F("tp", r.Rung),
		journal.F("exit", num(r.Exit)),
		journal.F("pnl", amount(r.PnL)),
		journal.F("fee", amount(r.Fee)),
		journal.F("qty_open", amount(r.QtyOpen)),
		journal.F("new_sl", num(r.NewStop)),
	}
}

func fillRow(f position.Fill) eventRow {
	return eventRow{
		Symbol:    f.Symbol,
		Direction: string(f.Direction),
		Entry:     f.Entry,
		Qty:       f.Quantity,
		Exit:      f.Exit,
		PnL:       f.PnL,
		Fee:       f.Fee,
		realized:  true,
	}
}

func encodeMeta(meta map[string]interface{}) string {
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}
