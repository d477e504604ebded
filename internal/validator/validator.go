package validator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-trading/kestrel/internal/cache"
	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Token Validator — multi-criterion accept/reject with accumulated reasons
// ---------------------------------------------------------------------------

// Config holds the validation thresholds. Every numeric limit comes from
// configuration; nothing is hardcoded in the rule pass.
type Config struct {
	// Reject tokens older than this many seconds.
	MaxTokenAgeSeconds int `yaml:"max_token_age_seconds"`

	// Soft market-cap ceiling in USD.
	MaxMarketCapUSD float64 `yaml:"max_market_cap_usd"`

	// Hard market-cap safeguard, checked independently of the soft ceiling.
	MaxMarketCapHardUSD float64 `yaml:"max_market_cap_hard_usd"`

	// Holder-count band. Min and max are independent checks.
	MinHolders int `yaml:"min_holders"`
	MaxHolders int `yaml:"max_holders"`

	// Minimum trailing-window trade volume in USD.
	MinVolumeWindowUSD float64 `yaml:"min_volume_window_usd"`

	// Largest single holder's maximum share of supply, in percent.
	MaxTopHolderPct float64 `yaml:"max_top_holder_pct"`

	// Reject tokens that already pumped more than this in 24h, in percent.
	MaxPriceChange24hPct float64 `yaml:"max_price_change_24h_pct"`
}

// DefaultConfig returns the micro-entry strategy thresholds.
func DefaultConfig() Config {
	return Config{
		MaxTokenAgeSeconds:   60,
		MaxMarketCapUSD:      15_000,
		MaxMarketCapHardUSD:  300_000,
		MinHolders:           5,
		MaxHolders:           10,
		MinVolumeWindowUSD:   8_000,
		MaxTopHolderPct:      50,
		MaxPriceChange24hPct: 300,
	}
}

// RuleCheck records one rule's outcome.
type RuleCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is a validation verdict. Reasons is empty iff IsValid. A cached
// Result is returned verbatim within the cache TTL even if upstream data has
// since moved — a deliberate staleness trade-off for rate-limit protection.
type Result struct {
	Token      chain.Pubkey         `json:"token"`
	IsValid    bool                 `json:"is_valid"`
	Reasons    []string             `json:"reasons,omitempty"`
	Checks     []RuleCheck          `json:"checks"`
	TokenInfo  *chain.TokenMetadata `json:"token_info,omitempty"`
	Market     *market.Snapshot     `json:"market,omitempty"`
	AgeSeconds int                  `json:"age_seconds"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// resultCacheTTL is fixed by design, independent of config.
const resultCacheTTL = 30 * time.Second

// Validator evaluates tokens against the configured rule set.
type Validator struct {
	config Config
	source market.Source
	cache  *cache.Cache[*Result]

	// Stats.
	validations atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	cacheHits   atomic.Int64
}

// New creates a validator over the given market source.
func New(config Config, source market.Source) *Validator {
	return &Validator{
		config: config,
		source: source,
		cache:  cache.New[*Result](resultCacheTTL),
	}
}

// Validate evaluates every rule against the token and returns the verdict
// with all violations, not just the first. ageSeconds <= 0 means the
// observed age is unknown and the age rule is skipped.
func (v *Validator) Validate(ctx context.Context, token chain.Pubkey, ageSeconds int) *Result {
	if cached, ok := v.cache.Get(string(token)); ok {
		v.cacheHits.Add(1)
		return cached
	}

	v.validations.Add(1)

	// Metadata and market snapshot come from independent upstreams; fetch
	// them concurrently.
	var (
		wg      sync.WaitGroup
		meta    *chain.TokenMetadata
		metaErr error
		snap    *market.Snapshot
		snapErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		meta, metaErr = v.source.GetTokenMetadata(ctx, token)
	}()
	go func() {
		defer wg.Done()
		snap, snapErr = v.source.GetMarketSnapshot(ctx, token)
	}()
	wg.Wait()

	result := &Result{
		Token:      token,
		TokenInfo:  meta,
		Market:     snap,
		AgeSeconds: ageSeconds,
		CheckedAt:  time.Now(),
	}

	if metaErr != nil {
		// Metadata is enrichment only; validation proceeds without it.
		log.Debug().Err(metaErr).Str("token", string(token)).
			Msg("validator: token metadata unavailable")
	}
	if snapErr != nil {
		result.addFailure("market_data", fmt.Sprintf("market data unavailable: %v", snapErr))
	}

	v.evaluateRules(result)
	result.IsValid = len(result.Reasons) == 0

	v.cache.Set(string(token), result)

	if result.IsValid {
		v.accepted.Add(1)
		log.Info().
			Str("token", string(token)).
			Str("market_cap", marketCapString(snap)).
			Int("age_s", ageSeconds).
			Msg("validator: ACCEPTED")
	} else {
		v.rejected.Add(1)
		log.Info().
			Str("token", string(token)).
			Strs("reasons", result.Reasons).
			Msg("validator: rejected")
	}
	return result
}

// evaluateRules runs the full ordered rule set. No rule short-circuits: a
// caller sees every violation at once.
func (v *Validator) evaluateRules(r *Result) {
	cfg := v.config
	snap := r.Market

	// 1. Token age ceiling.
	if r.AgeSeconds > 0 && cfg.MaxTokenAgeSeconds > 0 {
		v.check(r, "token_age", r.AgeSeconds <= cfg.MaxTokenAgeSeconds,
			fmt.Sprintf("token too old: %ds > %ds", r.AgeSeconds, cfg.MaxTokenAgeSeconds))
	}

	if snap == nil {
		return
	}

	// 2. Soft market-cap ceiling.
	if snap.MarketCap.IsPositive() && cfg.MaxMarketCapUSD > 0 {
		v.check(r, "market_cap",
			!snap.MarketCap.GreaterThan(decimal.NewFromFloat(cfg.MaxMarketCapUSD)),
			fmt.Sprintf("market cap too high: $%s > $%.0f", snap.MarketCap.StringFixed(0), cfg.MaxMarketCapUSD))
	}

	// 3. Hard market-cap safeguard, independent of the soft ceiling.
	if snap.MarketCap.IsPositive() && cfg.MaxMarketCapHardUSD > 0 {
		v.check(r, "market_cap_hard",
			!snap.MarketCap.GreaterThan(decimal.NewFromFloat(cfg.MaxMarketCapHardUSD)),
			fmt.Sprintf("market cap exceeds hard limit: $%s > $%.0f", snap.MarketCap.StringFixed(0), cfg.MaxMarketCapHardUSD))
	}

	// 4 + 5. Holder band, both ends checked independently.
	if snap.HolderCount > 0 {
		v.check(r, "min_holders", snap.HolderCount >= cfg.MinHolders,
			fmt.Sprintf("not enough holders: %d < %d", snap.HolderCount, cfg.MinHolders))
		v.check(r, "max_holders", snap.HolderCount <= cfg.MaxHolders,
			fmt.Sprintf("too many holders: %d > %d", snap.HolderCount, cfg.MaxHolders))
	}

	// 6. Trailing-window volume floor.
	if snap.VolumeWindow.IsPositive() && cfg.MinVolumeWindowUSD > 0 {
		v.check(r, "volume_window",
			!snap.VolumeWindow.LessThan(decimal.NewFromFloat(cfg.MinVolumeWindowUSD)),
			fmt.Sprintf("window volume too low: $%s < $%.0f", snap.VolumeWindow.StringFixed(0), cfg.MinVolumeWindowUSD))
	}

	// 7. Already-featured exclusion.
	v.check(r, "featured", !snap.IsFeatured, "token already featured on aggregator")

	// 8. Holder-concentration ceiling.
	if snap.TopHolderShare.IsPositive() && cfg.MaxTopHolderPct > 0 {
		v.check(r, "holder_concentration",
			!snap.TopHolderShare.GreaterThan(decimal.NewFromFloat(cfg.MaxTopHolderPct)),
			fmt.Sprintf("dominant holder: %s%% of supply", snap.TopHolderShare.StringFixed(1)))
	}

	// 9. Already-pumped exclusion.
	if cfg.MaxPriceChange24hPct > 0 {
		v.check(r, "price_change_24h",
			!snap.PriceChange24h.GreaterThan(decimal.NewFromFloat(cfg.MaxPriceChange24hPct)),
			fmt.Sprintf("token already pumped: +%s%%", snap.PriceChange24h.StringFixed(0)))
	}
}

func (v *Validator) check(r *Result, name string, passed bool, detail string) {
	if passed {
		r.Checks = append(r.Checks, RuleCheck{Name: name, Passed: true})
		return
	}
	r.Checks = append(r.Checks, RuleCheck{Name: name, Passed: false, Detail: detail})
	r.Reasons = append(r.Reasons, detail)
}

func (r *Result) addFailure(name, detail string) {
	r.Checks = append(r.Checks, RuleCheck{Name: name, Passed: false, Detail: detail})
	r.Reasons = append(r.Reasons, detail)
}

// CurrentPrice returns the snapshot price, zero when unavailable.
func (r *Result) CurrentPrice() decimal.Decimal {
	if r.Market == nil {
		return decimal.Zero
	}
	return r.Market.Price
}

func marketCapString(snap *market.Snapshot) string {
	if snap == nil {
		return "n/a"
	}
	return snap.MarketCap.StringFixed(0)
}

// ClearCache drops all cached verdicts.
func (v *Validator) ClearCache() {
	v.cache.Clear()
}

// Stats returns validator counters.
type Stats struct {
	Validations int64 `json:"validations"`
	Accepted    int64 `json:"accepted"`
	Rejected    int64 `json:"rejected"`
	CacheHits   int64 `json:"cache_hits"`
	CacheSize   int   `json:"cache_size"`
}

func (v *Validator) Stats() Stats {
	return Stats{
		Validations: v.validations.Load(),
		Accepted:    v.accepted.Load(),
		Rejected:    v.rejected.Load(),
		CacheHits:   v.cacheHits.Load(),
		CacheSize:   v.cache.Len(),
	}
}
