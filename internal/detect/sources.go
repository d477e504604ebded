package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Detection Sources — wallet polling, program log stream, indexer polling
// ---------------------------------------------------------------------------

// SourcesConfig controls the polling sources.
type SourcesConfig struct {
	// Wallets to mirror. Every new token buy they make becomes a candidate.
	Wallets []string `yaml:"wallets"`

	// DEX program IDs to watch via the log stream.
	Programs []string `yaml:"programs"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	SignatureLimit int           `yaml:"signature_limit"`
}

// DefaultSourcesConfig returns polling defaults.
func DefaultSourcesConfig() SourcesConfig {
	return SourcesConfig{
		Programs:       []string{string(chain.PumpFunProgramID), string(chain.RaydiumProgramID)},
		PollInterval:   5 * time.Second,
		SignatureLimit: 20,
	}
}

// WalletPoller watches one wallet's recent transactions and submits each new
// token acquisition as a candidate. The first poll only seeds the signature
// cursor so historical trades are never replayed.
type WalletPoller struct {
	wallet   chain.Pubkey
	source   chain.DataSource
	fanin    *FanIn
	interval time.Duration
	sigLimit int

	lastSig chain.Signature
	polls   atomic.Int64
	errs    atomic.Int64
}

// NewWalletPoller creates a poller for one wallet.
func NewWalletPoller(wallet chain.Pubkey, source chain.DataSource, fanin *FanIn, cfg SourcesConfig) *WalletPoller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limit := cfg.SignatureLimit
	if limit <= 0 {
		limit = 20
	}
	return &WalletPoller{
		wallet:   wallet,
		source:   source,
		fanin:    fanin,
		interval: interval,
		sigLimit: limit,
	}
}

// Run polls until the context is cancelled.
func (p *WalletPoller) Run(ctx context.Context) {
	log.Info().Str("wallet", string(p.wallet)).Dur("interval", p.interval).
		Msg("detect: wallet poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("wallet", string(p.wallet)).Msg("detect: wallet poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *WalletPoller) poll(ctx context.Context) {
	p.polls.Add(1)

	sigs, err := p.source.GetRecentSignatures(ctx, p.wallet, p.sigLimit, p.lastSig)
	if err != nil {
		p.errs.Add(1)
		log.Warn().Err(err).Str("wallet", string(p.wallet)).Msg("detect: signature poll failed")
		return
	}
	if len(sigs) == 0 {
		return
	}

	newest := sigs[0].Signature
	if p.lastSig == "" {
		// First poll: remember where we are, emit nothing.
		p.lastSig = newest
		return
	}
	p.lastSig = newest

	// Walk oldest to newest so candidates arrive in chain order.
	for i := len(sigs) - 1; i >= 0; i-- {
		info := sigs[i]
		if info.Failed {
			continue
		}
		tx, err := p.source.GetTransactionDetails(ctx, info.Signature)
		if err != nil {
			p.errs.Add(1)
			log.Debug().Err(err).Str("sig", string(info.Signature)).
				Msg("detect: transaction fetch failed")
			continue
		}
		for _, transfer := range chain.ExtractTokenTransfers(tx, p.wallet) {
			p.fanin.Submit(CandidateEvent{
				Source:    SourceWallet,
				Token:     transfer.Mint,
				Amount:    transfer.Amount,
				Signature: info.Signature,
				BlockTime: info.BlockTime,
			})
		}
	}
}

// Stats returns poll counters for one wallet.
func (p *WalletPoller) Stats() (polls, errs int64) {
	return p.polls.Load(), p.errs.Load()
}

// LogWatcher consumes a program's log subscription. Log lines themselves
// carry no reliable mint, so every notification is resolved through the
// transaction's token balance changes before a candidate is submitted.
type LogWatcher struct {
	program chain.Pubkey
	source  chain.DataSource
	fanin   *FanIn

	events atomic.Int64
	errs   atomic.Int64
}

// NewLogWatcher creates a watcher for one program.
func NewLogWatcher(program chain.Pubkey, source chain.DataSource, fanin *FanIn) *LogWatcher {
	return &LogWatcher{program: program, source: source, fanin: fanin}
}

// Run consumes the subscription until the context is cancelled.
func (w *LogWatcher) Run(ctx context.Context) {
	ch, err := w.source.SubscribeProgramLogs(ctx, w.program)
	if err != nil {
		log.Error().Err(err).Str("program", string(w.program)).
			Msg("detect: log subscription failed")
		return
	}
	log.Info().Str("program", string(w.program)).Msg("detect: log watcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("program", string(w.program)).Msg("detect: log watcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				log.Warn().Str("program", string(w.program)).
					Msg("detect: log stream closed")
				return
			}
			w.handle(ctx, event)
		}
	}
}

func (w *LogWatcher) handle(ctx context.Context, event chain.LogEvent) {
	w.events.Add(1)

	tx, err := w.source.GetTransactionDetails(ctx, event.Signature)
	if err != nil {
		w.errs.Add(1)
		log.Debug().Err(err).Str("sig", string(event.Signature)).
			Msg("detect: log event resolution failed")
		return
	}

	for _, mint := range tradedMints(tx) {
		w.fanin.Submit(CandidateEvent{
			Source:    SourceLogs,
			Token:     mint,
			Signature: event.Signature,
			BlockTime: event.ReceivedAt,
		})
	}
}

// tradedMints lists the non-native mints that changed hands in a transaction.
func tradedMints(tx *chain.TransactionDetail) []chain.Pubkey {
	seen := make(map[chain.Pubkey]struct{})
	var mints []chain.Pubkey
	for _, bal := range tx.PostTokenBalances {
		if bal.Mint == chain.NativeMint {
			continue
		}
		if _, ok := seen[bal.Mint]; ok {
			continue
		}
		seen[bal.Mint] = struct{}{}
		mints = append(mints, bal.Mint)
	}
	return mints
}

// IndexedTrade is one trade reported by an external indexer.
type IndexedTrade struct {
	Token     chain.Pubkey
	AmountSOL decimal.Decimal
	Signature chain.Signature
	BlockTime time.Time
}

// Indexer is the narrow surface the detection layer needs from an external
// trade indexer.
type Indexer interface {
	RecentTrades(ctx context.Context, limit int) ([]IndexedTrade, error)
}

// IndexerPoller submits trades reported by an indexer as candidates. The
// fan-in's signature dedup absorbs overlap with the other sources.
type IndexerPoller struct {
	indexer  Indexer
	fanin    *FanIn
	interval time.Duration
	limit    int

	polls atomic.Int64
	errs  atomic.Int64
}

// NewIndexerPoller creates an indexer poller.
func NewIndexerPoller(indexer Indexer, fanin *FanIn, cfg SourcesConfig) *IndexerPoller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limit := cfg.SignatureLimit
	if limit <= 0 {
		limit = 20
	}
	return &IndexerPoller{indexer: indexer, fanin: fanin, interval: interval, limit: limit}
}

// Run polls until the context is cancelled.
func (p *IndexerPoller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("detect: indexer poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("detect: indexer poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *IndexerPoller) poll(ctx context.Context) {
	p.polls.Add(1)

	trades, err := p.indexer.RecentTrades(ctx, p.limit)
	if err != nil {
		p.errs.Add(1)
		log.Warn().Err(err).Msg("detect: indexer poll failed")
		return
	}
	for _, trade := range trades {
		p.fanin.Submit(CandidateEvent{
			Source:    SourceIndexer,
			Token:     trade.Token,
			Amount:    trade.AmountSOL,
			Signature: trade.Signature,
			BlockTime: trade.BlockTime,
		})
	}
}

// StubIndexer is an in-memory Indexer for tests and stub mode.
type StubIndexer struct {
	mu     sync.Mutex
	trades []IndexedTrade
}

// NewStubIndexer creates an empty stub indexer.
func NewStubIndexer() *StubIndexer {
	return &StubIndexer{}
}

// AddTrade queues a trade for the next poll.
func (s *StubIndexer) AddTrade(trade IndexedTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
}

func (s *StubIndexer) RecentTrades(_ context.Context, limit int) ([]IndexedTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.trades) > limit {
		return append([]IndexedTrade(nil), s.trades[:limit]...), nil
	}
	return append([]IndexedTrade(nil), s.trades...), nil
}
