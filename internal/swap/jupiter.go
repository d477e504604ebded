package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Jupiter Executor — live swaps through an aggregator quote + swap API
// ---------------------------------------------------------------------------

// JupiterConfig configures the live executor.
type JupiterConfig struct {
	BaseURL     string        `yaml:"base_url"`
	WalletPub   string        `yaml:"wallet_pub"`
	SlippageBps int           `yaml:"slippage_bps"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultJupiterConfig returns aggregator defaults.
func DefaultJupiterConfig() JupiterConfig {
	return JupiterConfig{
		BaseURL:     "https://quote-api.jup.ag/v6",
		SlippageBps: 300,
		Timeout:     10 * time.Second,
	}
}

// JupiterExecutor quotes and builds swaps against the aggregator API and
// broadcasts the signed transaction through the chain client.
type JupiterExecutor struct {
	config     JupiterConfig
	httpClient *http.Client
	chainData  chain.DataSource

	swaps  atomic.Int64
	errors atomic.Int64
}

// NewJupiterExecutor creates a live executor.
func NewJupiterExecutor(config JupiterConfig, chainData chain.DataSource) *JupiterExecutor {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.SlippageBps == 0 {
		config.SlippageBps = 300
	}
	return &JupiterExecutor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		chainData:  chainData,
	}
}

const lamportsPerSOL = 1_000_000_000

type quoteResponse struct {
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func (e *JupiterExecutor) Buy(ctx context.Context, token chain.Pubkey, amountSOL, refPrice decimal.Decimal) (*Receipt, error) {
	lamports := amountSOL.Mul(decimal.NewFromInt(lamportsPerSOL)).IntPart()
	quote, raw, err := e.quote(ctx, chain.NativeMint, token, lamports)
	if err != nil {
		return nil, err
	}

	sig, err := e.swap(ctx, raw)
	if err != nil {
		return nil, err
	}

	outAmount, qerr := decimal.NewFromString(quote.OutAmount)
	if qerr != nil {
		outAmount = decimal.Zero
	}
	meta, merr := e.chainData.GetTokenMetadata(ctx, token)
	filled := outAmount
	if merr == nil && meta.Decimals > 0 {
		filled = outAmount.Shift(-int32(meta.Decimals))
	}

	price := refPrice
	if filled.IsPositive() {
		price = amountSOL.Div(filled).Round(12)
	}

	e.swaps.Add(1)
	log.Info().
		Str("token", string(token)).
		Str("amount_sol", amountSOL.StringFixed(6)).
		Str("sig", string(sig)).
		Msg("swap: buy executed")

	return &Receipt{
		Signature:    sig,
		FilledAmount: filled,
		Price:        price,
		ExecutedAt:   time.Now(),
	}, nil
}

func (e *JupiterExecutor) Sell(ctx context.Context, token chain.Pubkey, qty, refPrice decimal.Decimal) (*Receipt, error) {
	decimals := int32(9)
	if meta, err := e.chainData.GetTokenMetadata(ctx, token); err == nil {
		decimals = int32(meta.Decimals)
	}
	rawAmount := qty.Shift(decimals).IntPart()

	quote, raw, err := e.quote(ctx, token, chain.NativeMint, rawAmount)
	if err != nil {
		return nil, err
	}

	sig, err := e.swap(ctx, raw)
	if err != nil {
		return nil, err
	}

	outLamports, qerr := decimal.NewFromString(quote.OutAmount)
	if qerr != nil {
		outLamports = decimal.Zero
	}
	receivedSOL := outLamports.Shift(-9)

	price := refPrice
	if qty.IsPositive() && receivedSOL.IsPositive() {
		price = receivedSOL.Div(qty).Round(12)
	}

	e.swaps.Add(1)
	log.Info().
		Str("token", string(token)).
		Str("received_sol", receivedSOL.StringFixed(9)).
		Str("sig", string(sig)).
		Msg("swap: sell executed")

	return &Receipt{
		Signature:    sig,
		FilledAmount: receivedSOL,
		Price:        price,
		ExecutedAt:   time.Now(),
	}, nil
}

// quote fetches a route. The raw body is kept because the swap endpoint
// expects the quote echoed back verbatim.
func (e *JupiterExecutor) quote(ctx context.Context, input, output chain.Pubkey, amount int64) (*quoteResponse, json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		e.config.BaseURL, input, output, amount, e.config.SlippageBps)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("swap: build quote request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.errors.Add(1)
		return nil, nil, fmt.Errorf("swap: quote fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.errors.Add(1)
		return nil, nil, fmt.Errorf("swap: quote returned HTTP %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		e.errors.Add(1)
		return nil, nil, fmt.Errorf("swap: decode quote: %w", err)
	}
	var quote quoteResponse
	if err := json.Unmarshal(raw, &quote); err != nil {
		e.errors.Add(1)
		return nil, nil, fmt.Errorf("swap: parse quote: %w", err)
	}
	return &quote, raw, nil
}

// swap builds the transaction from a quote and broadcasts it.
func (e *JupiterExecutor) swap(ctx context.Context, quote json.RawMessage) (chain.Signature, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse":    quote,
		"userPublicKey":    e.config.WalletPub,
		"wrapAndUnwrapSol": true,
	})
	if err != nil {
		return "", fmt.Errorf("swap: build swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("swap: build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.errors.Add(1)
		return "", fmt.Errorf("swap: swap build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.errors.Add(1)
		return "", fmt.Errorf("swap: swap build returned HTTP %d", resp.StatusCode)
	}

	var built swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&built); err != nil {
		e.errors.Add(1)
		return "", fmt.Errorf("swap: decode swap: %w", err)
	}

	sig, err := e.chainData.SendTransaction(ctx, built.SwapTransaction)
	if err != nil {
		e.errors.Add(1)
		return "", fmt.Errorf("swap: broadcast: %w", err)
	}
	return sig, nil
}

// Stats returns executor counters.
type Stats struct {
	Swaps  int64 `json:"swaps"`
	Errors int64 `json:"errors"`
}

func (e *JupiterExecutor) Stats() Stats {
	return Stats{Swaps: e.swaps.Load(), Errors: e.errors.Load()}
}
