package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-trading/kestrel/internal/chain"
)

// StubSource is an in-memory Source for tests and stub mode.
type StubSource struct {
	mu        sync.RWMutex
	snapshots map[chain.Pubkey]*Snapshot
	metadata  map[chain.Pubkey]*chain.TokenMetadata
	failNext  bool
}

// NewStubSource creates a stub market source.
func NewStubSource() *StubSource {
	return &StubSource{
		snapshots: make(map[chain.Pubkey]*Snapshot),
		metadata:  make(map[chain.Pubkey]*chain.TokenMetadata),
	}
}

// SetSnapshot registers a snapshot for a token.
func (s *StubSource) SetSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Token] = &snap
}

// SetMetadata registers metadata for a token.
func (s *StubSource) SetMetadata(meta chain.TokenMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.Mint] = &meta
}

// SetFailNext makes the next call fail.
func (s *StubSource) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubSource) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

func (s *StubSource) GetMarketSnapshot(_ context.Context, token chain.Pubkey) (*Snapshot, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated market failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.snapshots[token]; ok {
		return snap, nil
	}
	return &Snapshot{Token: token}, nil
}

func (s *StubSource) GetTokenMetadata(_ context.Context, token chain.Pubkey) (*chain.TokenMetadata, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated market failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if meta, ok := s.metadata[token]; ok {
		return meta, nil
	}
	return nil, fmt.Errorf("stub: metadata for %s not found", token)
}
