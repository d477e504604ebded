package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Endpoint Pool — retry a unit of work across rotating equivalent endpoints
// ---------------------------------------------------------------------------

// Config configures the endpoint pool.
type Config struct {
	// Equivalent service endpoints, tried in rotation order.
	Endpoints []string `yaml:"endpoints"`

	// Outer retry rounds. Each round tries every endpoint once.
	MaxRounds int `yaml:"max_rounds"`

	// Backoff between failed rounds: base << round, capped at max.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// DefaultConfig returns conservative retry defaults.
func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:   endpoints,
		MaxRounds:   3,
		BackoffBase: 1 * time.Second,
		BackoffMax:  5 * time.Second,
	}
}

// RateLimitError signals a 429-style rejection. When RetryAfter is set it
// overrides the computed backoff before the next round.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

// WorkFunc is a unit of work parameterized by the currently selected
// endpoint. Results are captured by the caller's closure.
type WorkFunc func(ctx context.Context, endpoint string) error

// Pool is an ordered list of equivalent endpoints with a single rotating
// cursor. The cursor persists across Execute calls: a later call continues
// rotation where the previous one left off.
type Pool struct {
	config Config

	mu     sync.Mutex
	cursor int

	// Stats.
	calls     atomic.Int64
	attempts  atomic.Int64
	failures  atomic.Int64
	rotations atomic.Int64
}

// New creates an endpoint pool. Panics if no endpoints are configured; the
// config layer validates this at startup.
func New(config Config) *Pool {
	if len(config.Endpoints) == 0 {
		panic("rpcpool: at least one endpoint is required")
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 1 * time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 5 * time.Second
	}
	return &Pool{config: config}
}

// Current returns the endpoint the cursor points at.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.Endpoints[p.cursor]
}

// Rotate advances the cursor to the next endpoint, circularly.
func (p *Pool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = (p.cursor + 1) % len(p.config.Endpoints)
	p.rotations.Add(1)
	return p.config.Endpoints[p.cursor]
}

// Size returns the endpoint count.
func (p *Pool) Size() int {
	return len(p.config.Endpoints)
}

// Execute runs work against the pool. For each of MaxRounds rounds it tries
// every endpoint once starting from the current cursor, rotating on failure.
// If every endpoint fails in a round, it sleeps the exponential backoff
// (or the rate-limit hint, when the last error carried one) and starts the
// next round. The last observed error is returned when all rounds fail.
func (p *Pool) Execute(ctx context.Context, work WorkFunc) error {
	p.calls.Add(1)

	var lastErr error
	for round := 0; round < p.config.MaxRounds; round++ {
		for i := 0; i < len(p.config.Endpoints); i++ {
			endpoint := p.Current()
			p.attempts.Add(1)

			err := work(ctx, endpoint)
			if err == nil {
				return nil
			}
			lastErr = err
			p.failures.Add(1)

			log.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("round", round).
				Msg("rpcpool: endpoint failed, rotating")
			p.Rotate()

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		// Whole round failed. Back off before the next one.
		if round < p.config.MaxRounds-1 {
			delay := p.backoff(round)
			if rle, ok := lastErr.(*RateLimitError); ok && rle.RetryAfter > 0 {
				delay = rle.RetryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("rpcpool: all %d endpoints failed after %d rounds: %w",
		len(p.config.Endpoints), p.config.MaxRounds, lastErr)
}

func (p *Pool) backoff(round int) time.Duration {
	if round > 30 {
		return p.config.BackoffMax
	}
	d := p.config.BackoffBase * time.Duration(1<<round)
	if d > p.config.BackoffMax {
		d = p.config.BackoffMax
	}
	return d
}

// Stats returns pool counters.
type Stats struct {
	Calls     int64  `json:"calls"`
	Attempts  int64  `json:"attempts"`
	Failures  int64  `json:"failures"`
	Rotations int64  `json:"rotations"`
	Current   string `json:"current_endpoint"`
	Endpoints int    `json:"endpoints"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Calls:     p.calls.Load(),
		Attempts:  p.attempts.Load(),
		Failures:  p.failures.Load(),
		Rotations: p.rotations.Load(),
		Current:   p.Current(),
		Endpoints: len(p.config.Endpoints),
	}
}
