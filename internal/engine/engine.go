package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"papertrader/internal/events"
	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/journal"
	"papertrader/internal/ledger"
	"papertrader/internal/logging"
	"papertrader/internal/metrics"
	"papertrader/internal/position"
	"papertrader/internal/pricefeed"
	"papertrader/internal/risk"
	"papertrader/internal/signals"
	"papertrader/internal/statestore"
)

// Config holds driver loop settings
type Config struct {
	LoopInterval        time.Duration
	RestartDelay        time.Duration
	StartBalance        float64
	SnapshotMinInterval time.Duration
}

// DefaultConfig returns the production loop settings
func DefaultConfig() Config {
	return Config{
		LoopInterval:        45 * time.Second,
		RestartDelay:        10 * time.Second,
		StartBalance:        10000,
		SnapshotMinInterval: 60 * time.Second,
	}
}

// Deps are the collaborators of one engine
type Deps struct {
	Store    *statestore.Store
	Signals  signals.Source
	Prices   pricefeed.Lookup
	Sink     journal.Sink
	Strategy exits.Strategy
	Risk     *risk.Manager
	Gate     *gatekeeper.Gatekeeper
	Bus      *events.EventBus // optional
}

// IterationReport summarizes one pass of the loop
type IterationReport struct {
	SignalsRead int     `json:"signals_read"`
	Opened      int     `json:"opened"`
	Blocked     int     `json:"blocked"`
	Refused     int     `json:"refused"`
	Malformed   int     `json:"malformed"`
	Fills       int     `json:"fills"`
	Closed      int     `json:"closed"`
	Skipped     int     `json:"skipped"`
	Cursor      int     `json:"cursor"`
	Balance     float64 `json:"balance"`
	TraceID     string  `json:"trace_id"`
}

// Engine runs one strategy variant: read signals, open, advance, persist, sleep
type Engine struct {
	config   Config
	variant  string
	runID    string
	store    *statestore.Store
	signals  signals.Source
	prices   pricefeed.Lookup
	strategy exits.Strategy
	bus      *events.EventBus
	recorder *journal.Recorder
	book     *position.Book
	ledger   *ledger.Ledger
	logger   zerolog.Logger

	cursor int

	mu       sync.RWMutex
	lastRun  time.Time
	lastErr  error
	lastRept IterationReport
}

// New loads persisted state and builds the engine.
// A corrupt state document is returned as statestore.ErrCorrupt and must stop startup.
func New(config Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Signals == nil || deps.Prices == nil || deps.Sink == nil || deps.Strategy == nil || deps.Risk == nil || deps.Gate == nil {
		return nil, errors.New("engine: missing dependency")
	}

	variant := deps.Strategy.Name()
	base := logging.VariantContext(logger, variant)
	logger = base.With().Str("component", "Engine").Logger()

	cursor, err := deps.Store.LoadCursor(statestore.Cursor{LastIndex: -1})
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	equity, err := deps.Store.LoadEquity(statestore.Equity{Balance: config.StartBalance})
	if err != nil {
		return nil, fmt.Errorf("failed to load equity: %w", err)
	}
	open, err := deps.Store.LoadPositions(deps.Strategy.Ladder)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	recorder := journal.NewRecorder(deps.Sink, variant)

	e := &Engine{
		config:   config,
		variant:  variant,
		runID:    uuid.NewString(),
		store:    deps.Store,
		signals:  deps.Signals,
		prices:   deps.Prices,
		strategy: deps.Strategy,
		bus:      deps.Bus,
		recorder: recorder,
		book:     position.NewBook(open, deps.Strategy, deps.Risk, deps.Gate, base),
		ledger:   ledger.New(equity.Balance, ledger.Config{SnapshotMinInterval: config.SnapshotMinInterval}, recorder, base),
		logger:   logger,
		cursor:   cursor.LastIndex,
	}

	logger.Info().
		Str("run_id", e.runID).
		Int("cursor", e.cursor).
		Float64("balance", equity.Balance).
		Int("open_positions", len(open)).
		Msg("Engine state loaded")

	return e, nil
}

// Variant returns the strategy tag
func (e *Engine) Variant() string {
	return e.variant
}

// LastIteration returns when the last iteration finished, its report and error
func (e *Engine) LastIteration() (time.Time, IterationReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun, e.lastRept, e.lastErr
}

// Run loops until ctx is cancelled. A failed or panicking iteration is logged
// and the loop resumes after RestartDelay.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("interval", e.config.LoopInterval).
		Str("run_id", e.runID).
		Msg("Engine started")
	e.publish(func(b *events.EventBus) {
		b.Publish(events.Event{Type: events.EventEngineStarted, Variant: e.variant, Data: map[string]interface{}{"run_id": e.runID}})
	})

	for {
		_, err := e.runSafely(ctx)

		wait := e.config.LoopInterval
		if err != nil && !errors.Is(err, context.Canceled) {
			metrics.IterationFailures.WithLabelValues(e.variant).Inc()
			e.logger.Error().Err(err).Dur("restart_in", e.config.RestartDelay).Msg("Iteration failed")
			e.publish(func(b *events.EventBus) { b.PublishError(e.variant, "iteration", err.Error()) })
			wait = e.config.RestartDelay
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped")
			e.publish(func(b *events.EventBus) {
				b.Publish(events.Event{Type: events.EventEngineStopped, Variant: e.variant, Data: map[string]interface{}{"run_id": e.runID}})
			})
			return nil
		case <-time.After(wait):
		}
	}
}

func (e *Engine) runSafely(ctx context.Context) (rep IterationReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
			e.logger.Error().Str("stack", string(debug.Stack())).Msg("Recovered iteration panic")
		}
		e.mu.Lock()
		e.lastRun = time.Now()
		e.lastRept = rep
		e.lastErr = err
		e.mu.Unlock()
	}()
	return e.RunOnce(ctx)
}

// RunOnce performs one iteration. State is persisted before it returns,
// including when ctx is cancelled part way through.
func (e *Engine) RunOnce(ctx context.Context) (IterationReport, error) {
	start := time.Now()
	ctx, log := logging.WithTraceContext(logging.NewContext(ctx, e.logger))
	rep := IterationReport{TraceID: logging.TraceID(ctx)}

	feedErr := e.consumeSignals(ctx, &rep)
	e.advancePositions(ctx, &rep)

	if _, err := e.ledger.MaybeSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to record equity snapshot")
	}

	rep.Cursor = e.cursor
	rep.Balance = e.ledger.Balance()

	if err := e.persist(); err != nil {
		return rep, errors.Join(feedErr, err)
	}

	metrics.IterationSeconds.WithLabelValues(e.variant).Observe(time.Since(start).Seconds())
	metrics.Balance.WithLabelValues(e.variant).Set(rep.Balance)
	metrics.OpenPositions.WithLabelValues(e.variant).Set(float64(e.book.Len()))
	metrics.ActiveManaged.WithLabelValues(e.variant).Set(float64(e.book.ActiveManaged()))
	e.publish(func(b *events.EventBus) {
		b.PublishBalanceUpdate(e.variant, rep.Balance, e.book.Len(), e.book.ActiveManaged())
	})

	log.Debug().
		Int("signals", rep.SignalsRead).
		Int("opened", rep.Opened).
		Int("blocked", rep.Blocked).
		Int("fills", rep.Fills).
		Int("closed", rep.Closed).
		Int("skipped", rep.Skipped).
		Float64("balance", rep.Balance).
		Dur("took", time.Since(start)).
		Msg("Iteration complete")

	if feedErr != nil {
		return rep, feedErr
	}
	return rep, ctx.Err()
}

// persist saves positions, cursor and equity in that order. A crash after the
// positions are saved re-reads already opened signals, which the gatekeeper blocks.
func (e *Engine) persist() error {
	if err := e.store.SavePositions(e.book.Snapshot()); err != nil {
		return fmt.Errorf("failed to save positions: %w", err)
	}
	if err := e.store.SaveCursor(statestore.Cursor{LastIndex: e.cursor}); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := e.store.SaveEquity(statestore.Equity{Balance: e.ledger.Balance()}); err != nil {
		return fmt.Errorf("failed to save equity: %w", err)
	}
	return nil
}

func (e *Engine) publish(fn func(*events.EventBus)) {
	if e.bus != nil {
		fn(e.bus)
	}
}

func (e *Engine) record(ctx context.Context, kind string, row eventRow) {
	if err := e.recorder.Event(ctx, kind, row.fields()...); err != nil {
		l := logging.FromContext(ctx)
		l.Warn().Err(err).Str("type", kind).Str("symbol", row.Symbol).Msg("Failed to write event record")
	}
}
