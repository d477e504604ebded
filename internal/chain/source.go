package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Chain Data Source Interface
// ---------------------------------------------------------------------------

// DataSource is the interface to ledger RPC.
// Implementations: LiveClient (real JSON-RPC + websocket), StubClient (tests).
type DataSource interface {
	// GetBalance returns the native-coin balance of an account.
	GetBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error)

	// GetRecentSignatures lists recent transaction signatures for an account,
	// newest first. A non-empty until stops the listing at that signature.
	GetRecentSignatures(ctx context.Context, account Pubkey, limit int, until Signature) ([]SignatureInfo, error)

	// GetTransactionDetails fetches structured token-balance deltas for a
	// confirmed transaction.
	GetTransactionDetails(ctx context.Context, sig Signature) (*TransactionDetail, error)

	// GetTokenMetadata fetches mint metadata (supply, decimals, authorities).
	GetTokenMetadata(ctx context.Context, mint Pubkey) (*TokenMetadata, error)

	// SubscribeProgramLogs opens a log subscription for a program. The
	// returned channel closes when ctx is cancelled.
	SubscribeProgramLogs(ctx context.Context, programID Pubkey) (<-chan LogEvent, error)

	// SendTransaction broadcasts a signed transaction and returns its
	// signature. The payload is opaque to this layer.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// Health checks endpoint reachability.
	Health(ctx context.Context) error
}
