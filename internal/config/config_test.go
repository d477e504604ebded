package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "kestrel-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(yaml)
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	yaml := `
general:
  instance_id: "test-node"
  dry_run: true
  log_level: "debug"

chain:
  endpoints:
    - "https://rpc-a.example.com"
    - "https://rpc-b.example.com"
  ws_endpoint: "wss://rpc-a.example.com"

validator:
  max_market_cap_usd: 20000
  min_holders: 3
  max_holders: 12

trading:
  buy_amount_sol: 0.0004
  min_buy_sol: 0.0003
  max_buy_sol: 0.0005
  take_profit_pct: 25
  stop_loss_pct: 10
  max_daily_trades: 8

detection:
  wallets:
    - "wallet-1"
    - "wallet-2"
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.True(t, cfg.General.DryRun)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}, cfg.Chain.Endpoints)
	assert.Equal(t, 20000.0, cfg.Validator.MaxMarketCapUSD)
	assert.Equal(t, 3, cfg.Validator.MinHolders)
	assert.Equal(t, 25.0, cfg.Trading.TakeProfitPct)
	assert.Equal(t, 8, cfg.Trading.MaxDailyTrades)
	assert.Equal(t, []string{"wallet-1", "wallet-2"}, cfg.Detection.Wallets)

	// Pool endpoints default to the chain endpoints.
	assert.Equal(t, cfg.Chain.Endpoints, cfg.Pool.Endpoints)
}

func TestLoadConfigDefaults(t *testing.T) {
	yaml := `
general:
  dry_run: true
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "kestrel-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, ":8085", cfg.General.HTTPAddr)
	assert.NotEmpty(t, cfg.Chain.Endpoints)
	assert.Equal(t, 0.0004, cfg.Trading.BuyAmountSOL)
	assert.Equal(t, 60, cfg.Validator.MaxTokenAgeSeconds)
	assert.Equal(t, 10, cfg.Trading.MaxDailyTrades)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	os.Setenv("TEST_KESTREL_INSTANCE", "env-node")
	defer os.Unsetenv("TEST_KESTREL_INSTANCE")

	yaml := `
general:
  instance_id: "${TEST_KESTREL_INSTANCE}"
  dry_run: true
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.General.InstanceID)
}

func TestValidateRejectsBadBand(t *testing.T) {
	yaml := `
general:
  dry_run: true
trading:
  buy_amount_sol: 0.0004
  min_buy_sol: 0.001
  max_buy_sol: 0.0005
`
	_, err := Load(writeTempConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_buy_sol")
}

func TestValidateRequiresWalletForLive(t *testing.T) {
	yaml := `
general:
  dry_run: false
`
	_, err := Load(writeTempConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet_pub")
}

func TestValidateRejectsHolderBandInversion(t *testing.T) {
	cfg := Default()
	cfg.Validator.MinHolders = 20
	cfg.Validator.MaxHolders = 5
	require.Error(t, cfg.Validate())
}
