package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/detect"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/kestrel-trading/kestrel/internal/position"
	"github.com/kestrel-trading/kestrel/internal/swap"
	"github.com/kestrel-trading/kestrel/internal/validator"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Orchestrator — candidate intake, entry decisions, position supervision
// ---------------------------------------------------------------------------

// Config controls the orchestration loops.
type Config struct {
	// How often open positions are re-marked and exit rules evaluated.
	ReEvalInterval time.Duration `yaml:"re_eval_interval"`

	// Close every open position on shutdown instead of leaving them.
	CloseOnShutdown bool `yaml:"close_on_shutdown"`

	// Cadence of the periodic state summary log. Zero disables it.
	SummaryInterval time.Duration `yaml:"summary_interval"`
}

// DefaultConfig returns orchestration defaults.
func DefaultConfig() Config {
	return Config{
		ReEvalInterval:  10 * time.Second,
		CloseOnShutdown: true,
		SummaryInterval: 5 * time.Minute,
	}
}

// Runner is a detection source loop.
type Runner interface {
	Run(ctx context.Context)
}

// Orchestrator wires the detection stream to validation, sizing and
// execution, and supervises open positions until exit. The executor decides
// dry-run versus live; the orchestration path is identical for both.
type Orchestrator struct {
	config    Config
	fanin     *detect.FanIn
	runners   []Runner
	validator *validator.Validator
	positions *position.Manager
	market    market.Source
	executor  swap.Executor

	paused atomic.Bool
	killed atomic.Bool

	// Stats.
	candidates  atomic.Int64
	entries     atomic.Int64
	exits       atomic.Int64
	skips       atomic.Int64
	swapFails   atomic.Int64
	pausedSkips atomic.Int64
}

// New creates an orchestrator.
func New(config Config, fanin *detect.FanIn, runners []Runner, v *validator.Validator,
	positions *position.Manager, m market.Source, executor swap.Executor) *Orchestrator {
	if config.ReEvalInterval <= 0 {
		config.ReEvalInterval = 10 * time.Second
	}
	return &Orchestrator{
		config:    config,
		fanin:     fanin,
		runners:   runners,
		validator: v,
		positions: positions,
		market:    m,
		executor:  executor,
	}
}

// Run starts the detection sources, the candidate consumer and the
// re-evaluation loop, and blocks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().
		Dur("re_eval", o.config.ReEvalInterval).
		Bool("close_on_shutdown", o.config.CloseOnShutdown).
		Msg("orchestrator: starting")

	var wg sync.WaitGroup
	for _, r := range o.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.consumeCandidates(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.superviseLoop(ctx)
	}()

	if o.config.SummaryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.summaryLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	if o.config.CloseOnShutdown {
		o.closeAll(context.Background(), position.ReasonShutdown)
	}
	o.positions.LogSummary()
	log.Info().Msg("orchestrator: stopped")
}

func (o *Orchestrator) consumeCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.fanin.Events():
			if !ok {
				return
			}
			o.handleCandidate(ctx, ev)
		}
	}
}

// handleCandidate runs one event through the entry pipeline:
// validate, size, buy, open.
func (o *Orchestrator) handleCandidate(ctx context.Context, ev detect.CandidateEvent) {
	o.candidates.Add(1)

	if o.paused.Load() || o.killed.Load() {
		o.pausedSkips.Add(1)
		return
	}
	if o.positions.Get(ev.Token) != nil {
		o.skips.Add(1)
		return
	}

	age := 0
	if !ev.BlockTime.IsZero() {
		age = int(time.Since(ev.BlockTime).Seconds())
	}

	result := o.validator.Validate(ctx, ev.Token, age)
	if !result.IsValid {
		o.skips.Add(1)
		return
	}

	price := result.CurrentPrice()
	if !price.IsPositive() {
		o.skips.Add(1)
		log.Debug().Str("token", string(ev.Token)).Msg("orchestrator: no price, skipping entry")
		return
	}

	size := o.positions.CalculateSize(ev.Token, result.Market)
	if size == nil {
		o.skips.Add(1)
		return
	}

	receipt, err := o.executor.Buy(ctx, ev.Token, *size, price)
	if err != nil {
		o.swapFails.Add(1)
		log.Error().Err(err).Str("token", string(ev.Token)).Msg("orchestrator: buy failed")
		return
	}

	pos := o.positions.Open(ev.Token, *size, receipt.Price, ev.Source, receipt.Signature)
	if pos == nil {
		// Lost the race to another candidate for the same token.
		o.skips.Add(1)
		return
	}
	o.entries.Add(1)
}

func (o *Orchestrator) superviseLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.ReEvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evaluatePositions(ctx)
		}
	}
}

// evaluatePositions re-marks every open position and executes exits. A
// failure on one position never blocks the others; a failed sell is retried
// on the next tick.
func (o *Orchestrator) evaluatePositions(ctx context.Context) {
	now := time.Now()
	for _, pos := range o.positions.OpenPositions() {
		snap, err := o.market.GetMarketSnapshot(ctx, pos.Token)
		if err != nil {
			log.Warn().Err(err).Str("token", string(pos.Token)).
				Msg("orchestrator: re-mark failed")
			continue
		}
		if snap.Price.IsPositive() {
			o.positions.UpdatePrice(pos.Token, snap.Price)
			pos.CurrentPrice = snap.Price
		}

		decision := o.positions.CheckExit(&pos, now)
		if !decision.ShouldExit {
			continue
		}
		o.exit(ctx, pos.Token, decision.Reason, decision.Message)
	}
}

// exit claims, sells and closes one position. The claim makes the competing
// exit paths (supervise tick, kill switch, shutdown) mutually exclusive per
// token, so the position is sold at most once.
func (o *Orchestrator) exit(ctx context.Context, token chain.Pubkey, reason, message string) {
	pos := o.positions.BeginClose(token)
	if pos == nil {
		return
	}

	log.Info().
		Str("token", string(token)).
		Str("reason", reason).
		Str("detail", message).
		Msg("orchestrator: exiting position")

	receipt, err := o.executor.Sell(ctx, token, pos.TokenQty, pos.CurrentPrice)
	if err != nil {
		o.swapFails.Add(1)
		o.positions.AbortClose(token)
		log.Error().Err(err).Str("token", string(token)).
			Msg("orchestrator: sell failed, will retry")
		return
	}

	if o.positions.Close(token, receipt.Price, reason, receipt.Signature) != nil {
		o.exits.Add(1)
	}
}

// closeAll exits every open position with the given reason.
func (o *Orchestrator) closeAll(ctx context.Context, reason string) {
	open := o.positions.OpenPositions()
	if len(open) == 0 {
		return
	}
	log.Info().Int("count", len(open)).Str("reason", reason).
		Msg("orchestrator: closing all positions")
	for _, pos := range open {
		o.exit(ctx, pos.Token, reason, "close all")
	}
}

func (o *Orchestrator) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.positions.LogSummary()
		}
	}
}

// ---- control plane ----

// Pause stops new entries. Open positions are still supervised.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	log.Warn().Msg("orchestrator: paused")
}

// Resume re-enables entries.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	log.Info().Msg("orchestrator: resumed")
}

// Paused reports whether entries are disabled.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

// Kill permanently stops entries and liquidates everything open.
func (o *Orchestrator) Kill(ctx context.Context) {
	o.killed.Store(true)
	log.Warn().Msg("orchestrator: kill switch engaged")
	o.closeAll(ctx, position.ReasonManual)
}

// Stats returns orchestration counters.
type Stats struct {
	Candidates  int64 `json:"candidates"`
	Entries     int64 `json:"entries"`
	Exits       int64 `json:"exits"`
	Skips       int64 `json:"skips"`
	SwapFails   int64 `json:"swap_fails"`
	PausedSkips int64 `json:"paused_skips"`
	Paused      bool  `json:"paused"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Candidates:  o.candidates.Load(),
		Entries:     o.entries.Load(),
		Exits:       o.exits.Load(),
		Skips:       o.skips.Load(),
		SwapFails:   o.swapFails.Load(),
		PausedSkips: o.pausedSkips.Load(),
		Paused:      o.paused.Load(),
	}
}
