package compete

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// GatewayConfig tunes lookup budgets, retries and fan-out.
type GatewayConfig struct {
	Budget      time.Duration `yaml:"budget"`       // wall clock per lookup
	MaxAttempts int           `yaml:"max_attempts"` // retries on transient failures
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	MaxInFlight int           `yaml:"max_in_flight"` // batch fan-out bound
}

// DefaultGatewayConfig returns production-ready gateway settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Budget:      5 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
		MaxInFlight: 32,
	}
}

// Gateway serves competitor bands with caching, retries and a circuit
// breaker. It never returns an error: a failed lookup is a missing band
// with a degradation reason, and pricing proceeds without it.
type Gateway struct {
	source  Source
	cache   BandCache
	breaker *gobreaker.CircuitBreaker
	cfg     GatewayConfig

	// revalidating tracks keys with an in-flight background refresh.
	mu           sync.Mutex
	revalidating map[Key]bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway over the given source. cache may be nil.
func NewGateway(source Source, cache BandCache, cfg GatewayConfig) *Gateway {
	if cfg.Budget <= 0 {
		cfg.Budget = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 || cfg.MaxInFlight > 32 {
		cfg.MaxInFlight = 32
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "competitor-rates",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Gateway{
		source:       source,
		cache:        cache,
		breaker:      breaker,
		cfg:          cfg,
		revalidating: make(map[Key]bool),
		sleep:        sleepCtx,
	}
}

// GetBand looks up the band for one (property, stay date) pair within the
// configured budget. A fresh cache entry short-circuits; a stale one is
// returned immediately while a background refresh runs.
func (g *Gateway) GetBand(ctx context.Context, propertyID string, date string) Result {
	key := Key{PropertyID: propertyID, Date: date}

	if g.cache != nil {
		if band, stale, ok := g.cache.Get(key); ok {
			if stale {
				g.revalidate(key)
				return Result{Band: band, OK: true, Degraded: "stale_cache"}
			}
			return Result{Band: band, OK: true}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Budget)
	defer cancel()

	band, err := g.fetchWithRetry(ctx, key)
	if err != nil {
		reason := classifyDegradation(err)
		log.Debug().Err(err).Str("property", propertyID).Str("date", date).
			Str("reason", reason).Msg("competitor band unavailable")
		return Result{Degraded: reason}
	}
	if g.cache != nil {
		g.cache.Set(key, band)
	}
	return Result{Band: band, OK: true}
}

// GetBands resolves a batch of pairs with bounded fan-out. Failures on
// individual pairs yield missing results without aborting the batch.
func (g *Gateway) GetBands(ctx context.Context, keys []Key) map[Key]Result {
	results := make([]Result, len(keys))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.MaxInFlight)
	for i, key := range keys {
		eg.Go(func() error {
			results[i] = g.GetBand(ctx, key.PropertyID, key.Date)
			return nil
		})
	}
	_ = eg.Wait() // workers never return errors

	out := make(map[Key]Result, len(keys))
	for i, key := range keys {
		out[key] = results[i]
	}
	return out
}

func (g *Gateway) fetchWithRetry(ctx context.Context, key Key) (Band, error) {
	var lastErr error
	backoff := g.cfg.BackoffBase
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.source.FetchBand(ctx, key.PropertyID, key.Date)
		})
		if err == nil {
			return res.(Band), nil
		}
		lastErr = err
		if !retryable(err) {
			return Band{}, err
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, backoff); err != nil {
			return Band{}, err
		}
		backoff *= 2
		if backoff > g.cfg.BackoffCap {
			backoff = g.cfg.BackoffCap
		}
	}
	return Band{}, lastErr
}

// revalidate refreshes a stale cache entry off the request path. At most one
// refresh per key runs at a time.
func (g *Gateway) revalidate(key Key) {
	g.mu.Lock()
	if g.revalidating[key] {
		g.mu.Unlock()
		return
	}
	g.revalidating[key] = true
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.revalidating, key)
			g.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Budget)
		defer cancel()
		band, err := g.fetchWithRetry(ctx, key)
		if err != nil {
			return
		}
		g.cache.Set(key, band)
	}()
}

func retryable(err error) bool {
	if errors.Is(err, ErrNoData) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err)
}

func classifyDegradation(err error) string {
	switch {
	case errors.Is(err, ErrNoData):
		return "upstream_missing"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsTransient(err):
		return "upstream_transient"
	default:
		return "upstream_error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
