package pricefeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"papertrader/internal/binance"
)

// Lookup returns a price or reports it unavailable. It never fails for ordinary "no data".
type Lookup interface {
	GetPrice(ctx context.Context, symbol string) (float64, bool)
}

// SharedCache is an optional second tier shared between processes
type SharedCache interface {
	Get(ctx context.Context, symbol string) (Quote, bool)
	Set(ctx context.Context, symbol string, q Quote)
}

// Quote is a price and when it was observed
type Quote struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Config holds price feed tuning
type Config struct {
	BaseURLs       []string      `json:"base_urls" yaml:"base_urls"`
	CacheTTL       time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	StaleMaxAge    time.Duration `json:"stale_max_age" yaml:"stale_max_age"`
	CooldownStep   time.Duration `json:"cooldown_step" yaml:"cooldown_step"`
	CooldownMax    time.Duration `json:"cooldown_max" yaml:"cooldown_max"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	RetryPause     time.Duration `json:"retry_pause" yaml:"retry_pause"`
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		BaseURLs:       append([]string(nil), binance.DefaultBaseURLs...),
		CacheTTL:       2 * time.Second,
		StaleMaxAge:    15 * time.Minute,
		CooldownStep:   20 * time.Second,
		CooldownMax:    120 * time.Second,
		MaxAttempts:    2,
		RequestTimeout: 10 * time.Second,
		RetryPause:     1500 * time.Millisecond,
	}
}

// BinanceFeed looks prices up on the public ticker endpoint.
// It owns its cache and failure cooldown.
type BinanceFeed struct {
	config Config
	client *binance.Client
	shared SharedCache
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(time.Duration)

	mu            sync.Mutex
	cache         map[string]Quote
	failures      int
	cooldownUntil time.Time
}

// NewBinanceFeed creates a feed. shared may be nil.
func NewBinanceFeed(config Config, shared SharedCache, logger zerolog.Logger) *BinanceFeed {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 2
	}
	return &BinanceFeed{
		config: config,
		client: binance.NewClient(config.RequestTimeout),
		shared: shared,
		logger: logger.With().Str("component", "PriceFeed").Logger(),
		now:    time.Now,
		sleep:  time.Sleep,
		cache:  make(map[string]Quote),
	}
}

// GetPrice returns a fresh, fetched or acceptably stale price
func (f *BinanceFeed) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, false
	}

	if q, ok := f.cached(symbol); ok && f.now().Sub(q.At) <= f.config.CacheTTL {
		return q.Price, true
	}

	if f.inCooldown() {
		return f.stale(ctx, symbol)
	}

	tried := 0
	for _, base := range f.config.BaseURLs {
		if tried >= f.config.MaxAttempts {
			break
		}
		tried++

		px, err := f.client.GetCurrentPrice(ctx, base, symbol)
		if err == nil {
			f.store(ctx, symbol, px)
			return px, true
		}

		if ctx.Err() != nil {
			return f.stale(ctx, symbol)
		}

		if errors.Is(err, binance.ErrRateLimited) {
			f.logger.Warn().Str("symbol", symbol).Str("base", base).Msg("Price rate limited, cooling down")
			f.bumpCooldown("rate_limit_429")
			continue
		}

		f.logger.Warn().Err(err).Str("symbol", symbol).Str("base", base).Msg("Price fetch failed")

		var apiErr *binance.APIError
		if !errors.As(err, &apiErr) {
			if perr := f.client.Ping(ctx, base); perr != nil {
				f.bumpCooldown("network_unreachable")
				return f.stale(ctx, symbol)
			}
		}

		if tried < f.config.MaxAttempts {
			f.sleep(f.config.RetryPause)
		}
	}

	return f.stale(ctx, symbol)
}

func (f *BinanceFeed) cached(symbol string) (Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.cache[symbol]
	return q, ok
}

func (f *BinanceFeed) store(ctx context.Context, symbol string, px float64) {
	q := Quote{Price: px, At: f.now()}

	f.mu.Lock()
	f.cache[symbol] = q
	f.failures = 0
	f.mu.Unlock()

	if f.shared != nil {
		f.shared.Set(ctx, symbol, q)
	}
}

// stale returns the newest known quote if it is not too old
func (f *BinanceFeed) stale(ctx context.Context, symbol string) (float64, bool) {
	best, ok := f.cached(symbol)
	if f.shared != nil {
		if q, found := f.shared.Get(ctx, symbol); found && (!ok || q.At.After(best.At)) {
			best, ok = q, true
		}
	}
	if !ok || f.now().Sub(best.At) > f.config.StaleMaxAge {
		return 0, false
	}
	return best.Price, true
}

func (f *BinanceFeed) inCooldown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(f.cooldownUntil)
}

// bumpCooldown pauses network access for step*failures, capped at CooldownMax
func (f *BinanceFeed) bumpCooldown(reason string) {
	f.mu.Lock()
	f.failures++
	cooldown := time.Duration(f.failures) * f.config.CooldownStep
	if cooldown > f.config.CooldownMax {
		cooldown = f.config.CooldownMax
	}
	f.cooldownUntil = f.now().Add(cooldown)
	failures := f.failures
	f.mu.Unlock()

	f.logger.Warn().
		Str("reason", reason).
		Dur("cooldown", cooldown).
		Int("failures", failures).
		Msg("Price feed degraded")
}

// Failures returns the consecutive failure count
func (f *BinanceFeed) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}
