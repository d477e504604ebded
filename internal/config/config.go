package config

import (
	"fmt"
	"os"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/detect"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/kestrel-trading/kestrel/internal/orchestrator"
	"github.com/kestrel-trading/kestrel/internal/position"
	"github.com/kestrel-trading/kestrel/internal/rpcpool"
	"github.com/kestrel-trading/kestrel/internal/swap"
	"github.com/kestrel-trading/kestrel/internal/validator"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for KESTREL.
type Config struct {
	General      GeneralConfig              `yaml:"general"`
	Chain        chain.ClientConfig         `yaml:"chain"`
	Pool         rpcpool.Config             `yaml:"rpc_pool"`
	Market       market.HTTPConfig          `yaml:"market"`
	Validator    validator.Config           `yaml:"validator"`
	Detection    detect.SourcesConfig       `yaml:"detection"`
	FanIn        detect.Config              `yaml:"fanin"`
	Trading      position.Config            `yaml:"trading"`
	Swap         swap.JupiterConfig         `yaml:"swap"`
	Orchestrator orchestrator.Config        `yaml:"orchestrator"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	DryRun     bool   `yaml:"dry_run"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
	HTTPAddr   string `yaml:"http_addr"`  // health/stats/control listener
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a fully populated configuration in dry-run mode.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID: "kestrel-1",
			DryRun:     true,
			LogLevel:   "info",
			LogFormat:  "json",
			HTTPAddr:   ":8085",
		},
		Chain:        chain.DefaultClientConfig(),
		Pool:         rpcpool.DefaultConfig(nil),
		Market:       market.DefaultHTTPConfig(),
		Validator:    validator.DefaultConfig(),
		Detection:    detect.DefaultSourcesConfig(),
		FanIn:        detect.DefaultConfig(),
		Trading:      position.DefaultConfig(),
		Swap:         swap.DefaultJupiterConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "kestrel-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.HTTPAddr == "" {
		cfg.General.HTTPAddr = ":8085"
	}
	if len(cfg.Pool.Endpoints) == 0 {
		cfg.Pool.Endpoints = cfg.Chain.Endpoints
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Chain.Endpoints) == 0 {
		return fmt.Errorf("config: at least one chain endpoint is required")
	}
	if c.Trading.MinBuySOL <= 0 || c.Trading.MaxBuySOL <= 0 {
		return fmt.Errorf("config: buy size band must be positive")
	}
	if c.Trading.MinBuySOL > c.Trading.MaxBuySOL {
		return fmt.Errorf("config: min_buy_sol %v exceeds max_buy_sol %v",
			c.Trading.MinBuySOL, c.Trading.MaxBuySOL)
	}
	if c.Trading.BuyAmountSOL < c.Trading.MinBuySOL || c.Trading.BuyAmountSOL > c.Trading.MaxBuySOL {
		return fmt.Errorf("config: buy_amount_sol %v outside [%v, %v]",
			c.Trading.BuyAmountSOL, c.Trading.MinBuySOL, c.Trading.MaxBuySOL)
	}
	if c.Trading.TakeProfitPct <= 0 || c.Trading.StopLossPct <= 0 {
		return fmt.Errorf("config: take_profit_pct and stop_loss_pct must be positive")
	}
	if c.Validator.MinHolders > c.Validator.MaxHolders {
		return fmt.Errorf("config: min_holders %d exceeds max_holders %d",
			c.Validator.MinHolders, c.Validator.MaxHolders)
	}
	if !c.General.DryRun && c.Swap.WalletPub == "" {
		return fmt.Errorf("config: wallet_pub is required for live trading")
	}
	return nil
}
