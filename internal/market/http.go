package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// HTTP Source — aggregator search API + chain metadata
// ---------------------------------------------------------------------------

// HTTPConfig configures the aggregator-backed market source.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"` // e.g. https://api.dexscreener.com/latest/dex
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig returns aggregator defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL: "https://api.dexscreener.com/latest/dex",
		Timeout: 5 * time.Second,
	}
}

// HTTPSource fetches market snapshots from a DEX aggregator search API and
// token metadata from the chain. Both paths honor the configured timeout.
type HTTPSource struct {
	config     HTTPConfig
	httpClient *http.Client
	chainData  chain.DataSource

	// Stats.
	snapshotCalls atomic.Int64
	metadataCalls atomic.Int64
	errorCount    atomic.Int64
}

// NewHTTPSource creates a market source over the aggregator API.
func NewHTTPSource(config HTTPConfig, chainData chain.DataSource) *HTTPSource {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &HTTPSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		chainData:  chainData,
	}
}

// pairResponse mirrors the aggregator's search result shape. Only the fields
// the validator consumes are decoded.
type pairResponse struct {
	Pairs []struct {
		PairAddress string `json:"pairAddress"`
		DexID       string `json:"dexId"`
		PriceUSD    string `json:"priceUsd"`
		FDV         float64 `json:"fdv"`
		MarketCap   float64 `json:"marketCap"`
		Volume      struct {
			M5  float64 `json:"m5"`
			H24 float64 `json:"h24"`
		} `json:"volume"`
		PriceChange struct {
			H24 float64 `json:"h24"`
		} `json:"priceChange"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		Holders int `json:"holders"`
		Boosts  struct {
			Active int `json:"active"`
		} `json:"boosts"`
		TopHolderPct float64 `json:"topHolderPct"`
	} `json:"pairs"`
}

func (s *HTTPSource) GetMarketSnapshot(ctx context.Context, token chain.Pubkey) (*Snapshot, error) {
	s.snapshotCalls.Add(1)

	endpoint := fmt.Sprintf("%s/search?q=%s", s.config.BaseURL, url.QueryEscape(string(token)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("market: build snapshot request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.errorCount.Add(1)
		return nil, fmt.Errorf("market: snapshot fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.errorCount.Add(1)
		return nil, fmt.Errorf("market: snapshot fetch returned HTTP %d", resp.StatusCode)
	}

	var parsed pairResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		s.errorCount.Add(1)
		return nil, fmt.Errorf("market: decode snapshot: %w", err)
	}

	if len(parsed.Pairs) == 0 {
		log.Debug().Str("token", string(token)).Msg("market: no pairs found")
		return &Snapshot{Token: token}, nil
	}

	// The first pair is the most liquid one per the aggregator's ordering.
	p := parsed.Pairs[0]

	price, err := decimal.NewFromString(p.PriceUSD)
	if err != nil {
		price = decimal.Zero
	}
	mcap := p.FDV
	if mcap == 0 {
		mcap = p.MarketCap
	}

	return &Snapshot{
		Token:          token,
		Price:          price,
		MarketCap:      decimal.NewFromFloat(mcap),
		VolumeWindow:   decimal.NewFromFloat(p.Volume.M5),
		Volume24h:      decimal.NewFromFloat(p.Volume.H24),
		Liquidity:      decimal.NewFromFloat(p.Liquidity.USD),
		HolderCount:    p.Holders,
		PriceChange24h: decimal.NewFromFloat(p.PriceChange.H24),
		TopHolderShare: decimal.NewFromFloat(p.TopHolderPct),
		IsFeatured:     p.Boosts.Active > 0,
		PairAddress:    p.PairAddress,
		DexID:          p.DexID,
	}, nil
}

func (s *HTTPSource) GetTokenMetadata(ctx context.Context, token chain.Pubkey) (*chain.TokenMetadata, error) {
	s.metadataCalls.Add(1)

	// Metadata lives on-chain, not on the aggregator.
	meta, err := s.chainData.GetTokenMetadata(ctx, token)
	if err != nil {
		s.errorCount.Add(1)
		return nil, fmt.Errorf("market: token metadata: %w", err)
	}
	return meta, nil
}

// SourceStats returns request counters.
type SourceStats struct {
	SnapshotCalls int64 `json:"snapshot_calls"`
	MetadataCalls int64 `json:"metadata_calls"`
	Errors        int64 `json:"errors"`
}

func (s *HTTPSource) Stats() SourceStats {
	return SourceStats{
		SnapshotCalls: s.snapshotCalls.Load(),
		MetadataCalls: s.metadataCalls.Load(),
		Errors:        s.errorCount.Load(),
	}
}
