package swap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Swap Executor — trade execution behind one interface
// ---------------------------------------------------------------------------

// Receipt is the result of an executed (or simulated) swap.
type Receipt struct {
	Signature    chain.Signature `json:"signature"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Price        decimal.Decimal `json:"price"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Executor places swaps. Buy spends amountSOL of the native coin for the
// token; Sell disposes of qty tokens back into the native coin. refPrice is
// the caller's current mark, used for slippage bounds and simulation.
type Executor interface {
	Buy(ctx context.Context, token chain.Pubkey, amountSOL, refPrice decimal.Decimal) (*Receipt, error)
	Sell(ctx context.Context, token chain.Pubkey, qty, refPrice decimal.Decimal) (*Receipt, error)
}

// DryRunExecutor simulates fills at the reference price without touching the
// chain. It is the default mode; live trading is opt-in.
type DryRunExecutor struct {
	buys  atomic.Int64
	sells atomic.Int64
}

// NewDryRunExecutor creates a simulating executor.
func NewDryRunExecutor() *DryRunExecutor {
	return &DryRunExecutor{}
}

func (e *DryRunExecutor) Buy(_ context.Context, token chain.Pubkey, amountSOL, refPrice decimal.Decimal) (*Receipt, error) {
	e.buys.Add(1)

	filled := decimal.Zero
	if refPrice.IsPositive() {
		filled = amountSOL.Div(refPrice).Round(9)
	}
	log.Info().
		Str("token", string(token)).
		Str("amount_sol", amountSOL.StringFixed(6)).
		Str("price", refPrice.String()).
		Msg("swap: DRY RUN buy")

	return &Receipt{
		Signature:    chain.Signature("dry-" + uuid.New().String()),
		FilledAmount: filled,
		Price:        refPrice,
		ExecutedAt:   time.Now(),
	}, nil
}

func (e *DryRunExecutor) Sell(_ context.Context, token chain.Pubkey, qty, refPrice decimal.Decimal) (*Receipt, error) {
	e.sells.Add(1)

	log.Info().
		Str("token", string(token)).
		Str("qty", qty.String()).
		Str("price", refPrice.String()).
		Msg("swap: DRY RUN sell")

	return &Receipt{
		Signature:    chain.Signature("dry-" + uuid.New().String()),
		FilledAmount: qty.Mul(refPrice).Round(9),
		Price:        refPrice,
		ExecutedAt:   time.Now(),
	}, nil
}

// Counts returns how many buys and sells were simulated.
func (e *DryRunExecutor) Counts() (buys, sells int64) {
	return e.buys.Load(), e.sells.Load()
}

// StubExecutor records calls for tests and can be made to fail.
type StubExecutor struct {
	mu       sync.Mutex
	buyCalls []StubCall
	sellCall []StubCall
	failNext bool
	price    decimal.Decimal
}

// StubCall records one Buy or Sell invocation.
type StubCall struct {
	Token  chain.Pubkey
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// NewStubExecutor creates a recording executor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{}
}

// SetFailNext makes the next call fail.
func (e *StubExecutor) SetFailNext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = true
}

// SetFillPrice overrides the fill price; zero means fill at refPrice.
func (e *StubExecutor) SetFillPrice(p decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = p
}

// BuyCalls returns recorded buys.
func (e *StubExecutor) BuyCalls() []StubCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StubCall(nil), e.buyCalls...)
}

// SellCalls returns recorded sells.
func (e *StubExecutor) SellCalls() []StubCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StubCall(nil), e.sellCall...)
}

func (e *StubExecutor) Buy(_ context.Context, token chain.Pubkey, amountSOL, refPrice decimal.Decimal) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext {
		e.failNext = false
		return nil, fmt.Errorf("stub: simulated swap failure")
	}
	price := refPrice
	if e.price.IsPositive() {
		price = e.price
	}
	e.buyCalls = append(e.buyCalls, StubCall{Token: token, Amount: amountSOL, Price: price})

	filled := decimal.Zero
	if price.IsPositive() {
		filled = amountSOL.Div(price).Round(9)
	}
	return &Receipt{
		Signature:    chain.Signature(fmt.Sprintf("stub-buy-%d", len(e.buyCalls))),
		FilledAmount: filled,
		Price:        price,
		ExecutedAt:   time.Now(),
	}, nil
}

func (e *StubExecutor) Sell(_ context.Context, token chain.Pubkey, qty, refPrice decimal.Decimal) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext {
		e.failNext = false
		return nil, fmt.Errorf("stub: simulated swap failure")
	}
	price := refPrice
	if e.price.IsPositive() {
		price = e.price
	}
	e.sellCall = append(e.sellCall, StubCall{Token: token, Amount: qty, Price: price})

	return &Receipt{
		Signature:    chain.Signature(fmt.Sprintf("stub-sell-%d", len(e.sellCall))),
		FilledAmount: qty.Mul(price).Round(9),
		Price:        price,
		ExecutedAt:   time.Now(),
	}, nil
}
