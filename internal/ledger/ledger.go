package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"papertrader/internal/journal"
	"papertrader/internal/position"
)

// Record types written by the ledger
const (
	TypeEquity = "EQUITY"
)

// Config holds ledger settings
type Config struct {
	SnapshotMinInterval time.Duration
}

// Ledger owns the simulated balance and its throttled snapshot history
type Ledger struct {
	balance  float64
	config   Config
	recorder *journal.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	lastSnapshotAt      time.Time
	lastSnapshotBalance float64
	snapshotted         bool
}

// New creates a ledger starting from a persisted balance
func New(balance float64, config Config, recorder *journal.Recorder, logger zerolog.Logger) *Ledger {
	return &Ledger{
		balance:  balance,
		config:   config,
		recorder: recorder,
		logger:   logger.With().Str("component", "Ledger").Logger(),
		now:      time.Now,
	}
}

// Balance returns the current balance
func (l *Ledger) Balance() float64 {
	return l.balance
}

// ApplyFill writes the trade record and then credits pnl minus fee.
// If the record cannot be written the balance is left unchanged.
func (l *Ledger) ApplyFill(ctx context.Context, fill position.Fill) error {
	before := l.balance
	after := before + fill.Net()

	err := l.recorder.Record(ctx, journal.StreamTrades, fill.Kind,
		journal.F("symbol", fill.Symbol),
		journal.F("direction", string(fill.Direction)),
		journal.F("qty", fill.Quantity),
		journal.F("entry", fill.Entry),
		journal.F("exit", fill.Exit),
		journal.F("pnl", fill.PnL),
		journal.F("fee", fill.Fee),
		journal.F("balance", after),
	)
	if err != nil {
		return err
	}
	l.balance = after

	l.logger.Debug().
		Str("symbol", fill.Symbol).
		Str("type", fill.Kind).
		Float64("net", fill.Net()).
		Float64("balance_before", before).
		Float64("balance", l.balance).
		Msg("Fill applied")
	return nil
}

// SnapshotDue reports whether a snapshot should be recorded now:
// the minimum interval has elapsed or the balance moved since the last one
func (l *Ledger) SnapshotDue() bool {
	if !l.snapshotted {
		return true
	}
	if l.balance != l.lastSnapshotBalance {
		return true
	}
	return l.now().Sub(l.lastSnapshotAt) >= l.config.SnapshotMinInterval
}

// MaybeSnapshot records the balance when SnapshotDue
func (l *Ledger) MaybeSnapshot(ctx context.Context) (bool, error) {
	if !l.SnapshotDue() {
		return false, nil
	}

	if err := l.recorder.Record(ctx, journal.StreamEquity, TypeEquity, journal.F("balance", l.balance)); err != nil {
		return false, err
	}

	l.lastSnapshotAt = l.now()
	l.lastSnapshotBalance = l.balance
	l.snapshotted = true
	return true, nil
}
