package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Stub Client (for testing and development)
// ---------------------------------------------------------------------------

// StubClient is an in-memory DataSource for tests and stub mode.
type StubClient struct {
	mu           sync.RWMutex
	balances     map[Pubkey]decimal.Decimal
	signatures   map[Pubkey][]SignatureInfo
	transactions map[Signature]*TransactionDetail
	metadata     map[Pubkey]*TokenMetadata
	logChans     map[Pubkey]chan LogEvent
	sent         []string
	failNext     bool
}

// NewStubClient creates a stub chain client.
func NewStubClient() *StubClient {
	return &StubClient{
		balances:     make(map[Pubkey]decimal.Decimal),
		signatures:   make(map[Pubkey][]SignatureInfo),
		transactions: make(map[Signature]*TransactionDetail),
		metadata:     make(map[Pubkey]*TokenMetadata),
		logChans:     make(map[Pubkey]chan LogEvent),
	}
}

// AddTokenMetadata registers mint metadata for the stub to return.
func (s *StubClient) AddTokenMetadata(meta TokenMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.Mint] = &meta
}

// SetBalance sets an account balance.
func (s *StubClient) SetBalance(account Pubkey, bal decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = bal
}

// AddSignature prepends a signature to an account's recent listing.
func (s *StubClient) AddSignature(account Pubkey, info SignatureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signatures[account] = append([]SignatureInfo{info}, s.signatures[account]...)
}

// AddTransaction registers a transaction for the stub to return.
func (s *StubClient) AddTransaction(tx *TransactionDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.Signature] = tx
}

// EmitLog sends a log event on the subscription channel for a program.
func (s *StubClient) EmitLog(event LogEvent) {
	s.mu.RLock()
	ch := s.logChans[event.ProgramID]
	s.mu.RUnlock()
	if ch != nil {
		ch <- event
	}
}

// SentTransactions returns every payload passed to SendTransaction.
func (s *StubClient) SentTransactions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sent...)
}

// SetFailNext makes the next call fail.
func (s *StubClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- DataSource implementation ---

func (s *StubClient) GetBalance(_ context.Context, account Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *StubClient) GetRecentSignatures(_ context.Context, account Pubkey, limit int, until Signature) ([]SignatureInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := s.signatures[account]
	var out []SignatureInfo
	for _, info := range infos {
		if info.Signature == until {
			break
		}
		out = append(out, info)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *StubClient) GetTransactionDetails(_ context.Context, sig Signature) (*TransactionDetail, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.transactions[sig]; ok {
		return tx, nil
	}
	return nil, fmt.Errorf("stub: transaction %s not found", sig)
}

func (s *StubClient) GetTokenMetadata(_ context.Context, mint Pubkey) (*TokenMetadata, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if meta, ok := s.metadata[mint]; ok {
		return meta, nil
	}
	return nil, fmt.Errorf("stub: mint %s not found", mint)
}

func (s *StubClient) SubscribeProgramLogs(ctx context.Context, programID Pubkey) (<-chan LogEvent, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}

	s.mu.Lock()
	ch, ok := s.logChans[programID]
	if !ok {
		ch = make(chan LogEvent, 64)
		s.logChans[programID] = ch
	}
	s.mu.Unlock()

	out := make(chan LogEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				out <- event
			}
		}
	}()
	return out, nil
}

func (s *StubClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	s.sent = append(s.sent, txBase64)
	s.mu.Unlock()
	return Signature(fmt.Sprintf("stub-sig-%d", time.Now().UnixNano())), nil
}

func (s *StubClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}
