package detect

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanIn_EmitsAndDedupsBySignature(t *testing.T) {
	f := NewFanIn(DefaultConfig())
	defer f.Close()

	ev := CandidateEvent{Source: SourceWallet, Token: "mint-A", Signature: "sig-1"}
	assert.True(t, f.Submit(ev))

	// Same signature from a different source within the window: duplicate.
	ev.Source = SourceLogs
	assert.False(t, f.Submit(ev))

	got := <-f.Events()
	assert.Equal(t, chain.Pubkey("mint-A"), got.Token)
	assert.Equal(t, SourceWallet, got.Source)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.ObservedAt.IsZero())

	stats := f.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Emitted)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestFanIn_FallbackKeyTokenAmount(t *testing.T) {
	f := NewFanIn(DefaultConfig())
	defer f.Close()

	amount := decimal.NewFromFloat(0.0004)
	assert.True(t, f.Submit(CandidateEvent{Source: SourceIndexer, Token: "mint-B", Amount: amount}))
	assert.False(t, f.Submit(CandidateEvent{Source: SourceIndexer, Token: "mint-B", Amount: amount}))

	// Different amount is a different identity.
	assert.True(t, f.Submit(CandidateEvent{Source: SourceIndexer, Token: "mint-B", Amount: decimal.NewFromFloat(0.0005)}))
}

func TestFanIn_DebounceWindowExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 30 * time.Millisecond
	f := NewFanIn(cfg)
	defer f.Close()

	ev := CandidateEvent{Source: SourceWallet, Token: "mint-C", Signature: "sig-2"}
	require.True(t, f.Submit(ev))
	require.False(t, f.Submit(ev))

	assert.Eventually(t, func() bool {
		return f.Submit(ev)
	}, time.Second, 10*time.Millisecond, "identity must be accepted again after the window")
}

func TestFanIn_ConcurrentSubmitSingleEmit(t *testing.T) {
	f := NewFanIn(DefaultConfig())
	defer f.Close()

	ev := CandidateEvent{Source: SourceWallet, Token: "mint-D", Signature: "sig-race"}

	const submitters = 16
	var wg sync.WaitGroup
	emitted := make(chan bool, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitted <- f.Submit(ev)
		}()
	}
	wg.Wait()
	close(emitted)

	wins := 0
	for ok := range emitted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.Events(), 1)
}

func TestFanIn_FullBufferDropsNotBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 1
	f := NewFanIn(cfg)
	defer f.Close()

	require.True(t, f.Submit(CandidateEvent{Token: "mint-1", Signature: "s1"}))

	done := make(chan bool, 1)
	go func() {
		done <- f.Submit(CandidateEvent{Token: "mint-2", Signature: "s2"})
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on full buffer")
	}
	assert.Equal(t, int64(1), f.Stats().Dropped)
}

func TestFanIn_SubmitRacingCloseDoesNotPanic(t *testing.T) {
	f := NewFanIn(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Submit(CandidateEvent{
					Source:    SourceWallet,
					Token:     chain.Pubkey("mint-" + string(rune('a'+n))),
					Signature: chain.Signature(time.Now().String()),
				})
			}
		}(i)
	}
	f.Close()
	wg.Wait()

	// Everything emitted before the close is still readable; the channel
	// itself is closed.
	for range f.Events() {
	}
}

func TestFanIn_CloseStopsStream(t *testing.T) {
	f := NewFanIn(DefaultConfig())
	f.Close()
	f.Close() // idempotent

	assert.False(t, f.Submit(CandidateEvent{Token: "mint-E", Signature: "s3"}))
	_, open := <-f.Events()
	assert.False(t, open)
}
