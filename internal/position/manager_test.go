package position

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapWith(mcap, volWindow, liq float64) *market.Snapshot {
	return &market.Snapshot{
		Token:        "mint-X",
		MarketCap:    decimal.NewFromFloat(mcap),
		VolumeWindow: decimal.NewFromFloat(volWindow),
		Liquidity:    decimal.NewFromFloat(liq),
	}
}

func TestCalculateSize(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		snap *market.Snapshot
		want float64
	}{
		{"base size", snapWith(50_000, 10_000, 5_000), 0.0004},
		{"low cap uses minimum", snapWith(20_000, 10_000, 5_000), 0.0003},
		{"high volume boosts within cap", snapWith(50_000, 25_000, 5_000), 0.00048},
		{"thin liquidity uses minimum", snapWith(50_000, 10_000, 1_500), 0.0003},
		{"low cap wins over high volume", snapWith(20_000, 25_000, 5_000), 0.0003},
		{"nil snapshot uses base", nil, 0.0004},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(cfg)
			size := m.CalculateSize("mint-X", tt.snap)
			require.NotNil(t, size)
			assert.True(t, size.Equal(decimal.NewFromFloat(tt.want)),
				"got %s want %v", size, tt.want)
		})
	}
}

func TestCalculateSize_Deterministic(t *testing.T) {
	m := NewManager(DefaultConfig())
	snap := snapWith(20_000, 25_000, 5_000)

	first := m.CalculateSize("mint-X", snap)
	second := m.CalculateSize("mint-X", snap)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.True(t, first.Equal(*second))
	assert.LessOrEqual(t, first.Exponent(), int32(0))
	assert.GreaterOrEqual(t, first.Exponent(), int32(-6), "size must have at most 6 decimal places")
}

func TestCalculateSize_StaysInsideBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighVolMultiplier = 10 // would blow past max without the clamp
	m := NewManager(cfg)

	size := m.CalculateSize("mint-X", snapWith(50_000, 100_000, 5_000))
	require.NotNil(t, size)
	assert.True(t, size.Equal(decimal.NewFromFloat(cfg.MaxBuySOL)))
}

func TestCalculateSize_DailyCapVetoes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyTrades = 2
	m := NewManager(cfg)

	m.Open("mint-1", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.001), "test", "")
	m.Open("mint-2", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.001), "test", "")

	assert.Nil(t, m.CalculateSize("mint-3", snapWith(50_000, 10_000, 5_000)))
	assert.Equal(t, int64(1), m.Stats().SizeVetoes)
}

func TestCalculateSize_ExistingPositionVetoes(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Open("mint-held", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.001), "test", "")

	assert.Nil(t, m.CalculateSize("mint-held", snapWith(50_000, 10_000, 5_000)))
	assert.NotNil(t, m.CalculateSize("mint-other", snapWith(50_000, 10_000, 5_000)))
}

func TestOpen_RejectsDuplicateToken(t *testing.T) {
	m := NewManager(DefaultConfig())

	first := m.Open("mint-A", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.001), "wallet", "sig-1")
	require.NotNil(t, first)
	assert.Equal(t, StatusOpen, first.Status)

	second := m.Open("mint-A", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.002), "logs", "sig-2")
	assert.Nil(t, second)
	assert.Equal(t, 1, m.Stats().Open)
}

func TestOpen_ConcurrentSingleWinner(t *testing.T) {
	m := NewManager(DefaultConfig())

	const attempts = 32
	var wg sync.WaitGroup
	var winners sync.Map
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pos := m.Open("mint-race", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.001), "test", ""); pos != nil {
				winners.Store(pos.ID, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	winners.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, m.Daily().Trades)
}

func TestCheckExit_Priority(t *testing.T) {
	m := NewManager(DefaultConfig())
	now := time.Now()

	// Position both past take-profit and past max hold time: take-profit wins.
	pos := &Position{
		EntryPrice:   decimal.NewFromFloat(0.0001),
		CurrentPrice: decimal.NewFromFloat(0.000125), // +25%
		OpenedAt:     now.Add(-time.Hour),
	}
	decision := m.CheckExit(pos, now)
	require.True(t, decision.ShouldExit)
	assert.Equal(t, ReasonTakeProfit, decision.Reason)

	// Past stop-loss and past timeout: stop-loss wins.
	pos.CurrentPrice = decimal.NewFromFloat(0.00008) // -20%
	decision = m.CheckExit(pos, now)
	require.True(t, decision.ShouldExit)
	assert.Equal(t, ReasonStopLoss, decision.Reason)

	// Flat but stale: timeout.
	pos.CurrentPrice = pos.EntryPrice
	decision = m.CheckExit(pos, now)
	require.True(t, decision.ShouldExit)
	assert.Equal(t, ReasonTimeout, decision.Reason)

	// Flat and fresh: hold.
	pos.OpenedAt = now.Add(-time.Minute)
	decision = m.CheckExit(pos, now)
	assert.False(t, decision.ShouldExit)
}

func TestCheckExit_ExactThresholdsTrigger(t *testing.T) {
	m := NewManager(DefaultConfig())
	now := time.Now()

	pos := &Position{
		EntryPrice:   decimal.NewFromFloat(0.0001),
		CurrentPrice: decimal.NewFromFloat(0.00012), // exactly +20%
		OpenedAt:     now,
	}
	decision := m.CheckExit(pos, now)
	require.True(t, decision.ShouldExit)
	assert.Equal(t, ReasonTakeProfit, decision.Reason)

	pos.CurrentPrice = decimal.NewFromFloat(0.000085) // exactly -15%
	decision = m.CheckExit(pos, now)
	require.True(t, decision.ShouldExit)
	assert.Equal(t, ReasonStopLoss, decision.Reason)
}

func TestClose_RealizesPnL(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.Open("mint-B", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")
	closed := m.Close("mint-B", decimal.NewFromFloat(0.00012), ReasonTakeProfit, "sig-exit")

	require.NotNil(t, closed)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, ReasonTakeProfit, closed.ExitReason)
	assert.Equal(t, "sig-exit", string(closed.ExitSig))
	// +20% of 0.0004 SOL = 0.00008 SOL.
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromFloat(0.00008)),
		"got %s", closed.RealizedPnL)

	assert.Nil(t, m.Get("mint-B"))
	assert.Equal(t, 1, m.Stats().Closed)
	assert.True(t, m.Daily().PnLSOL.Equal(decimal.NewFromFloat(0.00008)))

	// Closing again is a no-op.
	assert.Nil(t, m.Close("mint-B", decimal.NewFromFloat(0.0001), ReasonManual, ""))
}

func TestClose_PurgedAfterRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClosedRetention = 30 * time.Millisecond
	m := NewManager(cfg)

	m.Open("mint-C", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")
	m.Close("mint-C", decimal.NewFromFloat(0.0001), ReasonManual, "")
	require.Len(t, m.ClosedPositions(), 1)

	assert.Eventually(t, func() bool {
		return len(m.ClosedPositions()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestUpdatePrice(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Open("mint-D", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")

	m.UpdatePrice("mint-D", decimal.NewFromFloat(0.00011))
	pos := m.Get("mint-D")
	require.NotNil(t, pos)
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromFloat(0.00011)))
	assert.True(t, pos.PnLPct().Equal(decimal.NewFromInt(10)))

	// Derived value fields follow the mark: 0.0004 SOL at +10%.
	assert.True(t, pos.CurrentValue.Equal(decimal.NewFromFloat(0.00044)), "got %s", pos.CurrentValue)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromFloat(0.00004)), "got %s", pos.UnrealizedPnL)
	assert.True(t, pos.UnrealizedPnLPct.Equal(decimal.NewFromInt(10)))

	// Unknown token is a no-op.
	m.UpdatePrice("mint-unknown", decimal.NewFromFloat(1))
}

func TestOpenPositions_CopiesAreStableUnderUpdates(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Open("mint-S", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")

	snapshot := m.OpenPositions()
	require.Len(t, snapshot, 1)
	m.UpdatePrice("mint-S", decimal.NewFromFloat(0.0002))
	assert.True(t, snapshot[0].CurrentPrice.Equal(decimal.NewFromFloat(0.0001)),
		"snapshot must not see later updates")

	// Serializing a snapshot while prices keep moving must be safe.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			m.UpdatePrice("mint-S", decimal.NewFromFloat(0.0001).Mul(decimal.NewFromInt(int64(i%5+1))))
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := json.Marshal(m.OpenPositions())
		require.NoError(t, err)
	}
	<-done
}

func TestBeginClose_SingleClaimant(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Open("mint-E", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")

	const claimants = 16
	var wg sync.WaitGroup
	claims := make(chan *Position, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- m.BeginClose("mint-E")
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for pos := range claims {
		if pos != nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one caller may claim the exit")

	// Releasing the claim makes the position claimable again; closing ends it.
	m.AbortClose("mint-E")
	require.NotNil(t, m.BeginClose("mint-E"))
	m.Close("mint-E", decimal.NewFromFloat(0.0001), ReasonManual, "")
	assert.Nil(t, m.BeginClose("mint-E"))
}

func TestDaily_TracksTradesAndPnL(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.Open("mint-1", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")
	m.Open("mint-2", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.0001), "test", "")
	m.Close("mint-1", decimal.NewFromFloat(0.00009), ReasonStopLoss, "")

	daily := m.Daily()
	assert.Equal(t, 2, daily.Trades)
	assert.True(t, daily.PnLSOL.IsNegative())
	assert.Equal(t, dayKey(time.Now()), daily.Date)
}
