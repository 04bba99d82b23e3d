package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file not written")
	require.Equal(t, ":3000", cfg.Server.ListenAddress)
	require.Equal(t, "0 2 * * *", cfg.Janitor.CronSchedule)
	require.Contains(t, cfg.Networks, "base")

	// A second load reads the file it just wrote.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Database.DSN, again.Database.DSN)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nbogus_key = 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown key")
}

func TestLoadParsesService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
listen_address = ":8080"
free_upload_limit_bytes = 524800

[payment]
default_network = "base-sepolia"

[[payment.facilitators]]
url = "https://facilitator.example"
dialect = "rest"

[networks.base-sepolia]
chain_id = 84532
pay_to = "0x1111111111111111111111111111111111111111"
asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
asset_name = "USDC"
asset_version = "2"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.ListenAddress)
	require.Equal(t, int64(524800), cfg.Server.FreeUploadLimitBytes)

	net, ok := cfg.Networks["base-sepolia"]
	require.True(t, ok)
	require.Equal(t, int64(84532), net.ChainID)

	require.Len(t, cfg.Payment.Facilitators, 1)
	require.Equal(t, "rest", cfg.Payment.Facilitators[0].Dialect)

	// Untouched sections still pick up defaults.
	require.Equal(t, "5", cfg.Pricing.FixedRateUSD)
	require.Equal(t, 620, cfg.Server.HeaderTimeoutSeconds)
}

func TestValidateRejectsBadFacilitator(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults("/tmp/config.toml")
	cfg.Payment.Facilitators = []Facilitator{{URL: "https://f.example", Dialect: "soap"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingDefaultNetwork(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults("/tmp/config.toml")
	cfg.Payment.DefaultNetwork = "moonbase"
	require.Error(t, cfg.Validate())
}

func TestWalletKeyEnvOverride(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(filepath.Join(t.TempDir(), "config.toml"))
	t.Setenv(WalletKeyEnv, "deadbeef")
	key, err := cfg.WalletKey()
	require.NoError(t, err)
	require.Equal(t, "deadbeef", key)
}
