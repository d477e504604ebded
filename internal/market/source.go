package market

import (
	"context"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market Data Source Interface
// ---------------------------------------------------------------------------

// Snapshot is a point-in-time view of a token's market state.
type Snapshot struct {
	Token          chain.Pubkey    `json:"token"`
	Price          decimal.Decimal `json:"price_usd"`
	MarketCap      decimal.Decimal `json:"market_cap_usd"`
	VolumeWindow   decimal.Decimal `json:"volume_window_usd"` // trailing short window (5m)
	Volume24h      decimal.Decimal `json:"volume_24h_usd"`
	Liquidity      decimal.Decimal `json:"liquidity_usd"`
	HolderCount    int             `json:"holder_count"`
	PriceChange24h decimal.Decimal `json:"price_change_24h_pct"`
	TopHolderShare decimal.Decimal `json:"top_holder_share_pct"` // largest holder's % of supply
	IsFeatured     bool            `json:"is_featured"`          // already boosted/listed on the aggregator
	PairAddress    string          `json:"pair_address,omitempty"`
	DexID          string          `json:"dex_id,omitempty"`
}

// Source is the interface to the token-metadata and market-data upstream.
// Implementations: HTTPSource (aggregator API), StubSource (tests).
type Source interface {
	// GetTokenMetadata fetches mint metadata for a token.
	GetTokenMetadata(ctx context.Context, token chain.Pubkey) (*chain.TokenMetadata, error)

	// GetMarketSnapshot fetches the current market view of a token. An
	// unknown token yields a zero-valued snapshot, not an error.
	GetMarketSnapshot(ctx context.Context, token chain.Pubkey) (*Snapshot, error)
}
