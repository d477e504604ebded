package detect

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Detection Fan-In — merges all sources into one deduplicated stream
// ---------------------------------------------------------------------------

// Detection source names.
const (
	SourceWallet  = "wallet"
	SourceLogs    = "logs"
	SourceIndexer = "indexer"
)

// CandidateEvent is one observed buy candidate, whatever source saw it.
type CandidateEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Token      chain.Pubkey    `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	Signature  chain.Signature `json:"signature,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
	BlockTime  time.Time       `json:"block_time"`
}

// dedupKey identifies an event across sources. The transaction signature is
// the strongest identity; sources without one fall back to token|amount.
func (e CandidateEvent) dedupKey() string {
	if e.Signature != "" {
		return string(e.Signature)
	}
	return string(e.Token) + "|" + e.Amount.String()
}

// Config controls dedup and buffering.
type Config struct {
	// Events with the same identity within this window are duplicates.
	DebounceWindow time.Duration `yaml:"debounce_window"`
	BufferSize     int           `yaml:"buffer_size"`
}

// DefaultConfig returns fan-in defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 10 * time.Second,
		BufferSize:     128,
	}
}

// FanIn merges candidate events from every detection source into a single
// channel, suppressing duplicates inside the debounce window. Safe for
// concurrent Submit from any number of sources.
type FanIn struct {
	config Config

	mu     sync.Mutex
	seen   map[string]struct{}
	out    chan CandidateEvent
	closed bool

	// Stats.
	received   atomic.Int64
	emitted    atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// NewFanIn creates a fan-in.
func NewFanIn(config Config) *FanIn {
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = 10 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 128
	}
	return &FanIn{
		config: config,
		seen:   make(map[string]struct{}),
		out:    make(chan CandidateEvent, config.BufferSize),
	}
}

// Submit offers an event to the stream. Returns true when the event was
// emitted, false when it was a duplicate or the buffer was full. The dedup
// entry expires after the debounce window, after which the same identity may
// fire again.
func (f *FanIn) Submit(ev CandidateEvent) bool {
	f.received.Add(1)
	key := ev.dedupKey()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, dup := f.seen[key]; dup {
		f.duplicates.Add(1)
		log.Debug().
			Str("source", ev.Source).
			Str("token", string(ev.Token)).
			Msg("fanin: duplicate suppressed")
		return false
	}
	f.seen[key] = struct{}{}

	time.AfterFunc(f.config.DebounceWindow, func() {
		f.mu.Lock()
		delete(f.seen, key)
		f.mu.Unlock()
	})

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	// The send shares the lock with the closed check above so Close cannot
	// take the channel away between them. The default case keeps a slow
	// consumer from ever blocking a source.
	select {
	case f.out <- ev:
		f.emitted.Add(1)
		return true
	default:
		f.dropped.Add(1)
		log.Warn().
			Str("source", ev.Source).
			Str("token", string(ev.Token)).
			Msg("fanin: buffer full, event dropped")
		return false
	}
}

// Events returns the merged candidate stream.
func (f *FanIn) Events() <-chan CandidateEvent {
	return f.out
}

// Close stops the stream. Submits after Close are discarded.
func (f *FanIn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
}

// Stats returns fan-in counters.
type Stats struct {
	Received   int64 `json:"received"`
	Emitted    int64 `json:"emitted"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
	Pending    int   `json:"pending"`
}

func (f *FanIn) Stats() Stats {
	return Stats{
		Received:   f.received.Load(),
		Emitted:    f.emitted.Load(),
		Duplicates: f.duplicates.Load(),
		Dropped:    f.dropped.Load(),
		Pending:    len(f.out),
	}
}
