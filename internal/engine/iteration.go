package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"papertrader/internal/events"
	"papertrader/internal/logging"
	"papertrader/internal/metrics"
	"papertrader/internal/position"
	"papertrader/internal/signals"
)

// Signal outcomes used as metric labels
const (
	outcomeOpened    = "opened"
	outcomeBlocked   = "blocked"
	outcomeRefused   = "refused"
	outcomeMalformed = "malformed"
)

// consumeSignals opens positions for every record after the cursor. The cursor
// advances past each record once its outcome is decided, malformed or not.
func (e *Engine) consumeSignals(ctx context.Context, rep *IterationReport) error {
	log := logging.FromContext(ctx)
	records, err := e.signals.ReadAfter(ctx, e.cursor)
	if err != nil {
		return fmt.Errorf("failed to read signals: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return nil
		}
		rep.SignalsRead++

		if rec.Err != nil {
			rep.Malformed++
			metrics.Signals.WithLabelValues(e.variant, outcomeMalformed).Inc()
			log.Warn().Err(rec.Err).Int("index", rec.Index).Msg("Skipping malformed signal")
			e.cursor = rec.Index
			continue
		}

		if err := e.openFromSignal(ctx, rec.Signal, rep); err != nil {
			// Invalid requests cannot succeed on retry, so they are consumed too
			rep.Malformed++
			metrics.Signals.WithLabelValues(e.variant, outcomeMalformed).Inc()
			log.Warn().Err(err).Int("index", rec.Index).Str("symbol", rec.Signal.Symbol).Msg("Skipping unusable signal")
		}
		e.cursor = rec.Index
	}
	return nil
}

func (e *Engine) openFromSignal(ctx context.Context, sig signals.Signal, rep *IterationReport) error {
	log := logging.FromContext(ctx)
	res, err := e.book.Open(position.OpenRequest{
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		EntryRefPrice: sig.EntryRefPrice,
		LevelA:        sig.EMA25_4h,
		LevelB:        sig.Fib0236,
		SignalID:      sig.SignalID,
	}, e.ledger.Balance())
	if err != nil {
		return err
	}

	switch {
	case !res.Decision.Allow:
		rep.Blocked++
		metrics.Signals.WithLabelValues(e.variant, outcomeBlocked).Inc()
		metrics.GatekeeperBlocks.WithLabelValues(e.variant, res.Decision.Rule()).Inc()
		log.Warn().
			Str("symbol", sig.Symbol).
			Str("direction", string(sig.Direction)).
			Str("rule", res.Decision.Rule()).
			Str("reason", res.Decision.Reason).
			Msg("Signal blocked")
		e.record(ctx, TypeGatekeeperBlock, eventRow{
			Symbol:    sig.Symbol,
			Direction: string(sig.Direction),
			Reason:    res.Decision.Reason,
			Meta:      encodeMeta(res.Decision.Meta),
			SignalID:  sig.SignalID,
		})
		e.publish(func(b *events.EventBus) {
			b.PublishGatekeeperBlock(e.variant, sig.Symbol, string(sig.Direction), res.Decision.Reason)
		})

	case !res.Opened():
		rep.Refused++
		metrics.Signals.WithLabelValues(e.variant, outcomeRefused).Inc()
		log.Warn().
			Str("symbol", sig.Symbol).
			Str("refused", res.Refused).
			Float64("entry_ref", sig.EntryRefPrice).
			Msg("Signal admitted but not opened")

	default:
		p := res.Position
		rep.Opened++
		metrics.Signals.WithLabelValues(e.variant, outcomeOpened).Inc()
		e.record(ctx, TypeOpen, eventRow{
			Symbol:    p.Symbol,
			Direction: string(p.Direction),
			Reason:    res.Decision.Reason,
			Meta:      encodeMeta(res.Decision.Meta),
			SignalID:  p.SignalID,
			Entry:     p.EntryPrice,
			Stop:      p.StopPrice,
			Notional:  p.Notional,
			Qty:       p.QuantityTotal,
			QtyOpen:   p.QuantityOpen,
		})
		e.publish(func(b *events.EventBus) {
			b.PublishPositionOpened(e.variant, p.Symbol, string(p.Direction), p.EntryPrice, p.StopPrice, p.QuantityTotal)
		})
	}
	return nil
}

// advancePositions applies the current price to every open position in symbol order
func (e *Engine) advancePositions(ctx context.Context, rep *IterationReport) {
	log := logging.FromContext(ctx)
	for _, symbol := range e.book.Symbols() {
		if ctx.Err() != nil {
			return
		}

		px, ok := e.prices.GetPrice(ctx, symbol)
		if !ok || px <= 0 {
			rep.Skipped++
			metrics.PriceUnavailable.WithLabelValues(e.variant).Inc()
			log.Debug().Str("symbol", symbol).Msg("No price, position left unchanged")
			continue
		}

		res, ok := e.planSafely(symbol, px)
		if !ok {
			continue
		}
		e.apply(ctx, res, rep)
	}
}

// planSafely isolates a panic in one position from the rest of the book
func (e *Engine) planSafely(symbol string, px float64) (res position.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			e.logger.Error().
				Str("symbol", symbol).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic while advancing position")
			e.publish(func(b *events.EventBus) {
				b.PublishError(e.variant, "advance:"+symbol, fmt.Sprint(r))
			})
		}
	}()
	return e.book.Plan(symbol, px), true
}

// apply books the fills of one observation, commits the position and writes its
// event rows in order. A fill whose trade record cannot be written ends the
// observation there: neither the balance nor the position move past it.
func (e *Engine) apply(ctx context.Context, res position.Result, rep *IterationReport) {
	log := logging.FromContext(ctx)

	booked := len(res.Transitions)
	for i, t := range res.Transitions {
		if t.Fill == nil {
			continue
		}
		if err := e.ledger.ApplyFill(ctx, *t.Fill); err != nil {
			log.Error().Err(err).
				Str("symbol", res.Symbol).
				Str("type", t.Fill.Kind).
				Msg("Failed to write trade record, position left for next cycle")
			e.publish(func(b *events.EventBus) {
				b.PublishError(e.variant, "trade:"+res.Symbol, err.Error())
			})
			booked = i
			break
		}
	}
	res = res.Prefix(booked)
	e.book.Commit(res)

	for _, t := range res.Transitions {
		switch t.Kind {
		case position.KindStopClose, position.KindRungFill:
			f := *t.Fill
			rep.Fills++
			metrics.Fills.WithLabelValues(e.variant, f.Kind).Inc()
			row := fillRow(f)
			row.QtyOpen = t.QuantityOpen
			if t.Kind == position.KindRungFill {
				row.Rung = t.Rung
			} else {
				row.Reason = "STOP"
			}
			e.record(ctx, t.Kind, row)
			e.publish(func(b *events.EventBus) {
				b.PublishFill(e.variant, f.Symbol, f.Kind, f.Quantity, f.Exit, f.PnL, f.Fee)
			})

		case position.KindStopMove:
			e.record(ctx, TypeStopMove, eventRow{
				Symbol:  res.Symbol,
				Rung:    t.Rung,
				NewStop: t.NewStop,
				QtyOpen: t.QuantityOpen,
			})
			e.publish(func(b *events.EventBus) {
				b.PublishStopMoved(e.variant, res.Symbol, t.Rung, t.NewStop)
			})

		case position.KindLadderDone, position.KindDropped:
			e.record(ctx, t.Kind, eventRow{Symbol: res.Symbol})
			e.publish(func(b *events.EventBus) {
				b.PublishPositionClosed(e.variant, res.Symbol, t.Kind)
			})
		}
	}

	if res.Closed {
		rep.Closed++
		if res.Transitions[0].Kind == position.KindStopClose {
			e.publish(func(b *events.EventBus) {
				b.PublishPositionClosed(e.variant, res.Symbol, position.KindStopClose)
			})
		}
	}
}
