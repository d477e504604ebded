package position

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position Manager — sizing, lifecycle, exit rules, daily limits
// ---------------------------------------------------------------------------

// Config holds sizing and exit parameters. All SOL amounts are in whole SOL.
type Config struct {
	// Base entry size and the band it may be adjusted within.
	BuyAmountSOL float64 `yaml:"buy_amount_sol"`
	MinBuySOL    float64 `yaml:"min_buy_sol"`
	MaxBuySOL    float64 `yaml:"max_buy_sol"`

	// Exit thresholds in percent of entry price.
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`

	// Positions still open after this long are closed regardless of PnL.
	MaxHoldTime time.Duration `yaml:"max_hold_time"`

	// Hard cap on entries per calendar day (UTC).
	MaxDailyTrades int `yaml:"max_daily_trades"`

	// Sizing adjustments driven by the market snapshot.
	LowCapThresholdUSD  float64 `yaml:"low_cap_threshold_usd"`  // below: minimum size
	HighVolThresholdUSD float64 `yaml:"high_vol_threshold_usd"` // above: size boost
	HighVolMultiplier   float64 `yaml:"high_vol_multiplier"`
	ThinLiquidityUSD    float64 `yaml:"thin_liquidity_usd"` // below: minimum size

	// Closed positions are kept this long for inspection before purge.
	ClosedRetention time.Duration `yaml:"closed_retention"`
}

// DefaultConfig returns the micro-entry sizing defaults.
func DefaultConfig() Config {
	return Config{
		BuyAmountSOL:        0.0004,
		MinBuySOL:           0.0003,
		MaxBuySOL:           0.0005,
		TakeProfitPct:       20,
		StopLossPct:         15,
		MaxHoldTime:         30 * time.Minute,
		MaxDailyTrades:      10,
		LowCapThresholdUSD:  30_000,
		HighVolThresholdUSD: 20_000,
		HighVolMultiplier:   1.2,
		ThinLiquidityUSD:    2_000,
		ClosedRetention:     time.Hour,
	}
}

// Status is a position lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Exit reasons.
const (
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonManual     = "manual"
)

// Position is one entry, open or closed.
type Position struct {
	ID               string          `json:"id"`
	Token            chain.Pubkey    `json:"token"`
	Source           string          `json:"source"`
	Status           Status          `json:"status"`
	SizeSOL          decimal.Decimal `json:"size_sol"`
	TokenQty         decimal.Decimal `json:"token_qty"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	ExitReason       string          `json:"exit_reason,omitempty"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	EntrySig         chain.Signature `json:"entry_sig,omitempty"`
	ExitSig          chain.Signature `json:"exit_sig,omitempty"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at"`

	// Set while an exit is in flight so only one path sells.
	closing bool
}

// PnLPct returns the unrealized gain in percent of entry, zero if entry is
// unset.
func (p *Position) PnLPct() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// remark refreshes the mark price and the derived value and PnL fields.
func (p *Position) remark(price decimal.Decimal) {
	p.CurrentPrice = price
	if p.EntryPrice.IsPositive() {
		p.CurrentValue = p.SizeSOL.Mul(price).Div(p.EntryPrice).Round(9)
	} else {
		p.CurrentValue = p.SizeSOL
	}
	p.UnrealizedPnL = p.CurrentValue.Sub(p.SizeSOL).Round(9)
	p.UnrealizedPnLPct = p.PnLPct()
}

// ExitDecision is the outcome of an exit-rule evaluation.
type ExitDecision struct {
	ShouldExit bool
	Reason     string
	Message    string
}

// DailyStats tracks entries and realized PnL for the current UTC day.
type DailyStats struct {
	Date   string          `json:"date"`
	Trades int             `json:"trades"`
	PnLSOL decimal.Decimal `json:"pnl_sol"`
}

// Manager owns position state. All methods are safe for concurrent use.
type Manager struct {
	config Config

	mu     sync.RWMutex
	open   map[chain.Pubkey]*Position
	closed map[string]*Position
	daily  DailyStats

	// Stats.
	totalOpened atomic.Int64
	totalClosed atomic.Int64
	sizeVetoes  atomic.Int64
}

// NewManager creates a position manager.
func NewManager(config Config) *Manager {
	if config.ClosedRetention <= 0 {
		config.ClosedRetention = time.Hour
	}
	return &Manager{
		config: config,
		open:   make(map[chain.Pubkey]*Position),
		closed: make(map[string]*Position),
		daily:  DailyStats{Date: dayKey(time.Now())},
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// resetDailyIfStale rolls the daily counters when the UTC day has changed.
// Caller must hold mu.
func (m *Manager) resetDailyIfStale(now time.Time) {
	key := dayKey(now)
	if m.daily.Date != key {
		log.Info().
			Str("closed_day", m.daily.Date).
			Int("trades", m.daily.Trades).
			Str("pnl_sol", m.daily.PnLSOL.StringFixed(6)).
			Msg("position: daily counters reset")
		m.daily = DailyStats{Date: key}
	}
}

// CalculateSize returns the entry size in SOL for the given token and market
// snapshot, or nil when no entry should be made (daily cap reached, or a
// position for the token already exists). The result is deterministic for a
// given snapshot and day state, rounded to 6 decimal places, and always
// inside [MinBuySOL, MaxBuySOL]. Adjustments apply in descending priority:
// low cap wins over high volume wins over thin liquidity.
func (m *Manager) CalculateSize(token chain.Pubkey, snap *market.Snapshot) *decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.open[token]; exists {
		m.sizeVetoes.Add(1)
		return nil
	}

	m.resetDailyIfStale(time.Now())
	if m.daily.Trades >= m.config.MaxDailyTrades {
		m.sizeVetoes.Add(1)
		log.Warn().Int("trades", m.daily.Trades).Msg("position: daily trade limit reached")
		return nil
	}

	size := decimal.NewFromFloat(m.config.BuyAmountSOL)
	minSize := decimal.NewFromFloat(m.config.MinBuySOL)
	maxSize := decimal.NewFromFloat(m.config.MaxBuySOL)

	if snap != nil {
		switch {
		case snap.MarketCap.IsPositive() &&
			snap.MarketCap.LessThan(decimal.NewFromFloat(m.config.LowCapThresholdUSD)):
			size = minSize
		case snap.VolumeWindow.GreaterThan(decimal.NewFromFloat(m.config.HighVolThresholdUSD)):
			size = size.Mul(decimal.NewFromFloat(m.config.HighVolMultiplier))
			if size.GreaterThan(maxSize) {
				size = maxSize
			}
		case snap.Liquidity.IsPositive() &&
			snap.Liquidity.LessThan(decimal.NewFromFloat(m.config.ThinLiquidityUSD)):
			size = minSize
		}
	}

	size = size.Round(6)
	if size.LessThan(minSize) || size.GreaterThan(maxSize) {
		m.sizeVetoes.Add(1)
		log.Warn().Str("size_sol", size.String()).Msg("position: size outside configured band")
		return nil
	}
	return &size
}

// Open records a new position for the token. It returns nil when a position
// for the token already exists; the existence check and the insert happen
// under one lock so two concurrent callers cannot both open.
func (m *Manager) Open(token chain.Pubkey, size, entryPrice decimal.Decimal, source string, entrySig chain.Signature) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.open[token]; exists {
		return nil
	}

	m.resetDailyIfStale(time.Now())
	pos := &Position{
		ID:           uuid.New().String(),
		Token:        token,
		Source:       source,
		Status:       StatusOpen,
		SizeSOL:      size,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		EntrySig:     entrySig,
		OpenedAt:     time.Now(),
	}
	if entryPrice.IsPositive() {
		pos.TokenQty = size.Div(entryPrice).Round(9)
	}
	pos.remark(entryPrice)
	m.open[token] = pos
	m.daily.Trades++
	m.totalOpened.Add(1)

	log.Info().
		Str("token", string(token)).
		Str("size_sol", size.StringFixed(6)).
		Str("entry_price", entryPrice.String()).
		Str("source", source).
		Int("daily_trades", m.daily.Trades).
		Msg("position: OPENED")
	out := *pos
	return &out
}

// UpdatePrice refreshes the mark price of an open position.
func (m *Manager) UpdatePrice(token chain.Pubkey, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.open[token]; ok {
		pos.remark(price)
	}
}

// BeginClose claims an open position for exit and returns a copy of it, or
// nil when no position exists or another caller already holds the claim. The
// claim keeps concurrent exit paths from selling the same position twice;
// release it with AbortClose if the sell fails, or finish with Close.
func (m *Manager) BeginClose(token chain.Pubkey) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[token]
	if !ok || pos.closing {
		return nil
	}
	pos.closing = true
	out := *pos
	return &out
}

// AbortClose releases a BeginClose claim so a later exit attempt can retry.
func (m *Manager) AbortClose(token chain.Pubkey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.open[token]; ok {
		pos.closing = false
	}
}

// CheckExit evaluates the exit rules for a position at the given time. It is
// pure: no state changes. Take-profit wins over stop-loss wins over timeout.
func (m *Manager) CheckExit(pos *Position, now time.Time) ExitDecision {
	pnl := pos.PnLPct()

	if !pnl.LessThan(decimal.NewFromFloat(m.config.TakeProfitPct)) {
		return ExitDecision{
			ShouldExit: true,
			Reason:     ReasonTakeProfit,
			Message:    "take profit at +" + pnl.StringFixed(2) + "%",
		}
	}
	if !pnl.GreaterThan(decimal.NewFromFloat(-m.config.StopLossPct)) {
		return ExitDecision{
			ShouldExit: true,
			Reason:     ReasonStopLoss,
			Message:    "stop loss at " + pnl.StringFixed(2) + "%",
		}
	}
	if m.config.MaxHoldTime > 0 && now.Sub(pos.OpenedAt) >= m.config.MaxHoldTime {
		return ExitDecision{
			ShouldExit: true,
			Reason:     ReasonTimeout,
			Message:    "max hold time reached at " + pnl.StringFixed(2) + "%",
		}
	}
	return ExitDecision{}
}

// Close moves an open position to closed, realizing PnL into the daily
// stats. The closed record is purged after the retention period. Returns nil
// when no open position exists for the token.
func (m *Manager) Close(token chain.Pubkey, exitPrice decimal.Decimal, reason string, exitSig chain.Signature) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[token]
	if !ok {
		return nil
	}
	delete(m.open, token)

	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.remark(exitPrice)
	pos.ExitReason = reason
	pos.ExitSig = exitSig
	pos.ClosedAt = time.Now()
	pos.closing = false
	if !pos.EntryPrice.IsZero() {
		pos.RealizedPnL = exitPrice.Sub(pos.EntryPrice).
			Div(pos.EntryPrice).
			Mul(pos.SizeSOL).
			Round(9)
	}
	m.closed[pos.ID] = pos

	m.resetDailyIfStale(pos.ClosedAt)
	m.daily.PnLSOL = m.daily.PnLSOL.Add(pos.RealizedPnL)
	m.totalClosed.Add(1)

	id := pos.ID
	time.AfterFunc(m.config.ClosedRetention, func() {
		m.mu.Lock()
		delete(m.closed, id)
		m.mu.Unlock()
	})

	log.Info().
		Str("token", string(token)).
		Str("reason", reason).
		Str("exit_price", exitPrice.String()).
		Str("pnl_sol", pos.RealizedPnL.StringFixed(9)).
		Dur("held", pos.ClosedAt.Sub(pos.OpenedAt)).
		Msg("position: CLOSED")
	out := *pos
	return &out
}

// Get returns a copy of the open position for a token, nil if none.
func (m *Manager) Get(token chain.Pubkey) *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.open[token]
	if !ok {
		return nil
	}
	out := *pos
	return &out
}

// OpenPositions returns a point-in-time copy of all open positions. The
// copies stay stable while the manager keeps mutating the originals, so
// callers may read or serialize them without holding any lock.
func (m *Manager) OpenPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, *pos)
	}
	return out
}

// ClosedPositions returns a copy of the retained closed positions.
func (m *Manager) ClosedPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.closed))
	for _, pos := range m.closed {
		out = append(out, *pos)
	}
	return out
}

// Daily returns a copy of today's counters.
func (m *Manager) Daily() DailyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfStale(time.Now())
	return m.daily
}

// Stats returns lifetime counters.
type Stats struct {
	Open        int   `json:"open"`
	Closed      int   `json:"closed_retained"`
	TotalOpened int64 `json:"total_opened"`
	TotalClosed int64 `json:"total_closed"`
	SizeVetoes  int64 `json:"size_vetoes"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Open:        len(m.open),
		Closed:      len(m.closed),
		TotalOpened: m.totalOpened.Load(),
		TotalClosed: m.totalClosed.Load(),
		SizeVetoes:  m.sizeVetoes.Load(),
	}
}

// LogSummary emits a one-line summary of current state.
func (m *Manager) LogSummary() {
	m.mu.RLock()
	daily := m.daily
	openCount := len(m.open)
	m.mu.RUnlock()

	log.Info().
		Int("open", openCount).
		Int("daily_trades", daily.Trades).
		Str("daily_pnl_sol", daily.PnLSOL.StringFixed(6)).
		Msg("position: summary")
}
