package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinel-kernel/internal/policy"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempFile(t, "config.json", `{
		"policy": {
			"maxTradePercent": 20,
			"maxSlippageBps": 50,
			"allowedDexes": ["default-venue"],
			"allowedAssets": ["USDC", "ETH"]
		},
		"chain": {"name": "sepolia", "rpcUrl": "https://example.invalid"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "1000", cfg.Session.DefaultDepositUSDC)
	require.Equal(t, 100, cfg.Session.MaxActionsPerSession)
	require.Equal(t, 30_000, cfg.Session.TimeoutMs)
	require.Equal(t, uint32(50), cfg.Policy.MaxSlippageBps)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeTempFile(t, "config.json", `{
		"policy": {"maxTradePercent": 20},
		"bogusField": true
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPolicyConfigToPolicyConfigConvertsPercentToBps(t *testing.T) {
	p := PolicyConfig{
		MaxTradePercent: 15,
		MaxSlippageBps:  75,
		AllowedDexes:    []string{"default-venue"},
		AllowedAssets:   []string{"USDC", "ETH"},
	}
	cfg, err := p.ToPolicyConfig()
	require.NoError(t, err)
	require.Equal(t, uint32(1_500), cfg.MaxTradeBps)
	require.Equal(t, uint32(75), cfg.MaxSlippageBps)
	require.Contains(t, cfg.AllowedAssets, policy.USDC)
}

func TestLoadPolicyDocumentParsesYAML(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", `
maxTradePercent: 20
maxSlippageBps: 100
allowedDexes:
  - default-venue
allowedAssets:
  - USDC
  - ETH
`)

	cfg, err := LoadPolicyDocument(path)
	require.NoError(t, err)
	require.Equal(t, uint32(2_000), cfg.MaxTradeBps)
	require.Equal(t, uint32(100), cfg.MaxSlippageBps)
}
