package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/rpcpool"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live Client — JSON-RPC 2.0 over a rotating endpoint pool
// ---------------------------------------------------------------------------

// ClientConfig configures the live chain client.
type ClientConfig struct {
	Endpoints  []string      `yaml:"endpoints"`   // HTTP JSON-RPC endpoints
	WSEndpoint string        `yaml:"ws_endpoint"` // websocket endpoint for log subscriptions
	Timeout    time.Duration `yaml:"timeout"`
	MaxRounds  int           `yaml:"max_rounds"`

	// Reconnect settings for the log stream.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// DefaultClientConfig returns mainnet defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoints:      []string{"https://api.mainnet-beta.solana.com"},
		WSEndpoint:     "wss://api.mainnet-beta.solana.com",
		Timeout:        10 * time.Second,
		MaxRounds:      3,
		ReconnectDelay: 1 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// LiveClient talks to real ledger RPC endpoints. Every HTTP call goes through
// the endpoint pool, so transient failures rotate and retry automatically.
type LiveClient struct {
	config     ClientConfig
	pool       *rpcpool.Pool
	httpClient *http.Client

	nextID atomic.Int64

	// Stats.
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewLiveClient creates a live chain client over the given endpoint pool.
func NewLiveClient(config ClientConfig, pool *rpcpool.Pool) *LiveClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &LiveClient{
		config:     config,
		pool:       pool,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Pool exposes the underlying endpoint pool for stats reporting.
func (c *LiveClient) Pool() *rpcpool.Pool { return c.pool }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a JSON-RPC call through the endpoint pool.
func (c *LiveClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.requestCount.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal %s request: %w", method, err)
	}

	var result json.RawMessage
	execErr := c.pool.Execute(ctx, func(ctx context.Context, endpoint string) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return &rpcpool.RateLimitError{
				Endpoint:   endpoint,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chain: %s returned HTTP %d", method, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return fmt.Errorf("chain: decode %s response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("chain: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		result = rpcResp.Result
		return nil
	})
	if execErr != nil {
		c.errorCount.Add(1)
		return nil, execErr
	}
	return result, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// --- DataSource implementation ---

const lamportsPerSOL = 1_000_000_000

func (c *LiveClient) GetBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error) {
	raw, err := c.call(ctx, "getBalance", []any{string(account)})
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("chain: decode balance: %w", err)
	}
	return decimal.NewFromInt(int64(resp.Value)).Div(decimal.NewFromInt(lamportsPerSOL)), nil
}

func (c *LiveClient) GetRecentSignatures(ctx context.Context, account Pubkey, limit int, until Signature) ([]SignatureInfo, error) {
	opts := map[string]any{"limit": limit}
	if until != "" {
		opts["until"] = string(until)
	}
	raw, err := c.call(ctx, "getSignaturesForAddress", []any{string(account), opts})
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Err       any    `json:"err"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("chain: decode signatures: %w", err)
	}

	infos := make([]SignatureInfo, 0, len(entries))
	for _, e := range entries {
		info := SignatureInfo{
			Signature: Signature(e.Signature),
			Slot:      e.Slot,
			Failed:    e.Err != nil,
		}
		if e.BlockTime != nil {
			info.BlockTime = time.Unix(*e.BlockTime, 0)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *LiveClient) GetTransactionDetails(ctx context.Context, sig Signature) (*TransactionDetail, error) {
	raw, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{"maxSupportedTransactionVersion": 0, "encoding": "json"},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			PreTokenBalances  []wireTokenBalance `json:"preTokenBalances"`
			PostTokenBalances []wireTokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("chain: decode transaction: %w", err)
	}
	if resp.Meta == nil {
		return nil, fmt.Errorf("chain: transaction %s not found", sig)
	}

	detail := &TransactionDetail{
		Signature:         sig,
		Slot:              resp.Slot,
		PreTokenBalances:  convertBalances(resp.Meta.PreTokenBalances),
		PostTokenBalances: convertBalances(resp.Meta.PostTokenBalances),
	}
	if resp.BlockTime != nil {
		detail.BlockTime = time.Unix(*resp.BlockTime, 0)
	}
	return detail, nil
}

type wireTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

func convertBalances(wire []wireTokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(wire))
	for _, w := range wire {
		amount, err := decimal.NewFromString(w.UITokenAmount.Amount)
		if err != nil {
			amount = decimal.Zero
		}
		out = append(out, TokenBalance{
			AccountIndex: w.AccountIndex,
			Owner:        Pubkey(w.Owner),
			Mint:         Pubkey(w.Mint),
			Amount:       amount,
			Decimals:     w.UITokenAmount.Decimals,
		})
	}
	return out
}

func (c *LiveClient) GetTokenMetadata(ctx context.Context, mint Pubkey) (*TokenMetadata, error) {
	raw, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Info struct {
						Supply          string  `json:"supply"`
						Decimals        uint8   `json:"decimals"`
						MintAuthority   *string `json:"mintAuthority"`
						FreezeAuthority *string `json:"freezeAuthority"`
						IsInitialized   bool    `json:"isInitialized"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("chain: decode account info: %w", err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("chain: mint %s not found", mint)
	}

	info := resp.Value.Data.Parsed.Info
	supply, err := decimal.NewFromString(info.Supply)
	if err != nil {
		supply = decimal.Zero
	}
	meta := &TokenMetadata{
		Mint:        mint,
		Supply:      supply,
		Decimals:    info.Decimals,
		Initialized: info.IsInitialized,
	}
	if info.MintAuthority != nil {
		meta.MintAuthority = Pubkey(*info.MintAuthority)
	}
	if info.FreezeAuthority != nil {
		meta.FreezeAuthority = Pubkey(*info.FreezeAuthority)
	}
	return meta, nil
}

func (c *LiveClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	raw, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{"encoding": "base64", "skipPreflight": false},
	})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(raw, &sig); err != nil {
		return "", fmt.Errorf("chain: decode send result: %w", err)
	}
	return Signature(sig), nil
}

func (c *LiveClient) SubscribeProgramLogs(ctx context.Context, programID Pubkey) (<-chan LogEvent, error) {
	stream := newLogStream(c.config, programID)
	return stream.Start(ctx)
}

func (c *LiveClient) Health(ctx context.Context) error {
	raw, err := c.call(ctx, "getHealth", nil)
	if err != nil {
		return err
	}
	var status string
	if err := json.Unmarshal(raw, &status); err == nil && status != "ok" {
		return fmt.Errorf("chain: endpoint unhealthy: %s", status)
	}
	return nil
}

// ClientStats returns request counters.
type ClientStats struct {
	Requests int64         `json:"requests"`
	Errors   int64         `json:"errors"`
	Pool     rpcpool.Stats `json:"pool"`
}

func (c *LiveClient) Stats() ClientStats {
	return ClientStats{
		Requests: c.requestCount.Load(),
		Errors:   c.errorCount.Load(),
		Pool:     c.pool.Stats(),
	}
}
