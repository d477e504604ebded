package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/detect"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/kestrel-trading/kestrel/internal/position"
	"github.com/kestrel-trading/kestrel/internal/swap"
	"github.com/kestrel-trading/kestrel/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orch      *Orchestrator
	fanin     *detect.FanIn
	source    *market.StubSource
	positions *position.Manager
	executor  *swap.StubExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	source := market.NewStubSource()
	fanin := detect.NewFanIn(detect.DefaultConfig())
	t.Cleanup(fanin.Close)

	positions := position.NewManager(position.DefaultConfig())
	executor := swap.NewStubExecutor()
	v := validator.New(validator.DefaultConfig(), source)

	return &fixture{
		orch:      New(DefaultConfig(), fanin, nil, v, positions, source, executor),
		fanin:     fanin,
		source:    source,
		positions: positions,
		executor:  executor,
	}
}

func validSnapshot(token chain.Pubkey, price float64) market.Snapshot {
	return market.Snapshot{
		Token:          token,
		Price:          decimal.NewFromFloat(price),
		MarketCap:      decimal.NewFromInt(12_000), // passes cap, triggers low-cap min size
		VolumeWindow:   decimal.NewFromInt(9_000),
		Volume24h:      decimal.NewFromInt(15_000),
		Liquidity:      decimal.NewFromInt(5_000),
		HolderCount:    7,
		PriceChange24h: decimal.NewFromInt(40),
		TopHolderShare: decimal.NewFromInt(20),
	}
}

func candidate(token chain.Pubkey, sig chain.Signature) detect.CandidateEvent {
	return detect.CandidateEvent{
		Source:     detect.SourceWallet,
		Token:      token,
		Signature:  sig,
		ObservedAt: time.Now(),
		BlockTime:  time.Now().Add(-10 * time.Second),
	}
}

func TestHandleCandidate_FullEntryPipeline(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-A", 0.0001))

	f.orch.handleCandidate(context.Background(), candidate("mint-A", "sig-1"))

	pos := f.positions.Get("mint-A")
	require.NotNil(t, pos, "valid candidate must open a position")
	// Market cap 12k is under the low-cap threshold: minimum size.
	assert.True(t, pos.SizeSOL.Equal(decimal.NewFromFloat(0.0003)), "got %s", pos.SizeSOL)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(0.0001)))
	assert.Equal(t, detect.SourceWallet, pos.Source)

	require.Len(t, f.executor.BuyCalls(), 1)
	assert.Equal(t, int64(1), f.orch.Stats().Entries)
}

func TestHandleCandidate_RejectedTokenNoBuy(t *testing.T) {
	f := newFixture(t)
	snap := validSnapshot("mint-B", 0.0001)
	snap.MarketCap = decimal.NewFromInt(500_000) // over hard cap
	f.source.SetSnapshot(snap)

	f.orch.handleCandidate(context.Background(), candidate("mint-B", "sig-2"))

	assert.Nil(t, f.positions.Get("mint-B"))
	assert.Empty(t, f.executor.BuyCalls())
	assert.Equal(t, int64(1), f.orch.Stats().Skips)
}

func TestHandleCandidate_NoPriceNoEntry(t *testing.T) {
	f := newFixture(t)
	// Unknown token: zero snapshot passes validation but carries no price.
	f.orch.handleCandidate(context.Background(), candidate("mint-C", "sig-3"))

	assert.Nil(t, f.positions.Get("mint-C"))
	assert.Empty(t, f.executor.BuyCalls())
}

func TestHandleCandidate_ExistingPositionSkipped(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-D", 0.0001))

	f.orch.handleCandidate(context.Background(), candidate("mint-D", "sig-4"))
	require.NotNil(t, f.positions.Get("mint-D"))

	f.orch.handleCandidate(context.Background(), candidate("mint-D", "sig-5"))
	assert.Len(t, f.executor.BuyCalls(), 1, "second candidate for held token must not buy")
}

func TestHandleCandidate_BuyFailureLeavesNoPosition(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-E", 0.0001))
	f.executor.SetFailNext()

	f.orch.handleCandidate(context.Background(), candidate("mint-E", "sig-6"))

	assert.Nil(t, f.positions.Get("mint-E"))
	assert.Equal(t, int64(1), f.orch.Stats().SwapFails)
}

func TestEvaluatePositions_TakeProfitExit(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-F", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-F", "sig-7"))
	require.NotNil(t, f.positions.Get("mint-F"))

	// Price moves +20%: take profit on the next tick.
	f.source.SetSnapshot(validSnapshot("mint-F", 0.00012))
	f.orch.evaluatePositions(context.Background())

	assert.Nil(t, f.positions.Get("mint-F"))
	require.Len(t, f.executor.SellCalls(), 1)

	closed := f.positions.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonTakeProfit, closed[0].ExitReason)
	assert.True(t, closed[0].RealizedPnL.IsPositive())
	assert.Equal(t, int64(1), f.orch.Stats().Exits)
}

func TestEvaluatePositions_SellFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-G", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-G", "sig-8"))

	f.source.SetSnapshot(validSnapshot("mint-G", 0.00008)) // -20%: stop loss
	f.executor.SetFailNext()
	f.orch.evaluatePositions(context.Background())
	require.NotNil(t, f.positions.Get("mint-G"), "position must survive a failed sell")

	f.orch.evaluatePositions(context.Background())
	assert.Nil(t, f.positions.Get("mint-G"))
	closed := f.positions.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonStopLoss, closed[0].ExitReason)
}

func TestEvaluatePositions_MarketErrorIsolated(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-H", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-H", "sig-9"))

	f.source.SetFailNext()
	f.orch.evaluatePositions(context.Background())
	assert.NotNil(t, f.positions.Get("mint-H"), "re-mark failure must not drop the position")
}

func TestExit_ConcurrentPathsSellOnce(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-M", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-M", "sig-15"))
	require.NotNil(t, f.positions.Get("mint-M"))

	// Kill switch and supervise tick can race on the same token; the
	// position claim must let exactly one of them reach the executor.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.exit(context.Background(), "mint-M", position.ReasonManual, "concurrent close")
		}()
	}
	wg.Wait()

	assert.Len(t, f.executor.SellCalls(), 1, "token must be sold exactly once")
	assert.Equal(t, int64(1), f.orch.Stats().Exits)
	assert.Nil(t, f.positions.Get("mint-M"))
	require.Len(t, f.positions.ClosedPositions(), 1)
}

func TestPauseBlocksEntries(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-I", 0.0001))

	f.orch.Pause()
	f.orch.handleCandidate(context.Background(), candidate("mint-I", "sig-10"))
	assert.Nil(t, f.positions.Get("mint-I"))
	assert.Equal(t, int64(1), f.orch.Stats().PausedSkips)

	f.orch.Resume()
	f.orch.handleCandidate(context.Background(), candidate("mint-I", "sig-11"))
	assert.NotNil(t, f.positions.Get("mint-I"))
}

func TestKill_LiquidatesAndBlocksEntries(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-J", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-J", "sig-12"))
	require.NotNil(t, f.positions.Get("mint-J"))

	f.orch.Kill(context.Background())
	assert.Nil(t, f.positions.Get("mint-J"))
	require.Len(t, f.executor.SellCalls(), 1)

	f.source.SetSnapshot(validSnapshot("mint-K", 0.0001))
	f.orch.handleCandidate(context.Background(), candidate("mint-K", "sig-13"))
	assert.Nil(t, f.positions.Get("mint-K"), "entries must stay blocked after kill")
}

func TestRun_EndToEndThroughFanIn(t *testing.T) {
	f := newFixture(t)
	f.source.SetSnapshot(validSnapshot("mint-L", 0.0001))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()

	require.True(t, f.fanin.Submit(candidate("mint-L", "sig-14")))
	require.Eventually(t, func() bool {
		return f.positions.Get("mint-L") != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	// CloseOnShutdown liquidated the position.
	assert.Nil(t, f.positions.Get("mint-L"))
	closed := f.positions.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonShutdown, closed[0].ExitReason)
}
