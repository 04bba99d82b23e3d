// Package config loads the TOML service configuration. A missing file is
// replaced by a default one written to disk, so a fresh checkout runs with
// `bundlergw -config ./config.toml` and nothing else.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// WalletKeyEnv overrides the configured wallet key file when set. The value
// is the hex-encoded secp256k1 private key.
const WalletKeyEnv = "BUNDLERGW_WALLET_KEY"

type Config struct {
	Server      Server             `toml:"server"`
	Database    Database           `toml:"database"`
	ObjectStore ObjectStore        `toml:"objectstore"`
	Queue       Queue              `toml:"queue"`
	Wallet      Wallet             `toml:"wallet"`
	Chain       Chain              `toml:"chain"`
	Payment     Payment            `toml:"payment"`
	Pricing     Pricing            `toml:"pricing"`
	Multipart   Multipart          `toml:"multipart"`
	Pipeline    Pipeline           `toml:"pipeline"`
	Janitor     Janitor            `toml:"janitor"`
	Networks    map[string]Network `toml:"networks"`
}

type Server struct {
	ListenAddress        string `toml:"listen_address"`
	Environment          string `toml:"environment"`
	FreeUploadLimitBytes int64  `toml:"free_upload_limit_bytes"`
	RawUploadsEnabled    bool   `toml:"raw_uploads_enabled"`

	KeepAliveSeconds     int `toml:"keep_alive_seconds"`
	ReadTimeoutSeconds   int `toml:"read_timeout_seconds"`
	HeaderTimeoutSeconds int `toml:"header_timeout_seconds"`

	Whitelist                 []string `toml:"whitelist"`
	AllowListedSignatureTypes []int    `toml:"allow_listed_signature_types"`
	DataCaches                []string `toml:"data_caches"`
	FastFinalityIndexes       []string `toml:"fast_finality_indexes"`
}

type Database struct {
	// DSN selects the driver: postgres URLs open postgres, anything else
	// opens the embedded sqlite driver.
	DSN string `toml:"dsn"`
}

type ObjectStore struct {
	// Root directory of the filesystem store holding raw data items and
	// bundle payloads.
	LocalRoot string `toml:"local_root"`
	// RemoteRoot, when set, enables the second retention tier.
	RemoteRoot string `toml:"remote_root"`
}

type Queue struct {
	Path string `toml:"path"`
}

type Wallet struct {
	// KeyFile holds the hex private key; WalletKeyEnv takes precedence.
	KeyFile string `toml:"key_file"`
}

type Chain struct {
	GatewayURL          string `toml:"gateway_url"`
	DeadlineHeightDelta int64  `toml:"deadline_height_delta"`
}

type Payment struct {
	DefaultNetwork        string        `toml:"default_network"`
	PaymentTimeoutSeconds int           `toml:"payment_timeout_seconds"`
	Facilitators          []Facilitator `toml:"facilitators"`
}

type Facilitator struct {
	URL     string `toml:"url"`
	Dialect string `toml:"dialect"`
	APIKey  string `toml:"api_key"`
}

// Network carries the per-network quoting parameters: where payments go and
// which USDC contract they move.
type Network struct {
	ChainID      int64  `toml:"chain_id"`
	PayTo        string `toml:"pay_to"`
	Asset        string `toml:"asset"`
	AssetName    string `toml:"asset_name"`
	AssetVersion string `toml:"asset_version"`
}

type Pricing struct {
	RateEndpoint string `toml:"rate_endpoint"`
	RateTokenID  string `toml:"rate_token_id"`
	// FixedRateUSD is the USD-per-token rate used when no endpoint is
	// configured. Decimal string, parsed as an exact rational.
	FixedRateUSD       string `toml:"fixed_rate_usd"`
	FeePercent         int64  `toml:"fee_percent"`
	BufferPercent      int64  `toml:"buffer_percent"`
	MinimumPaymentUSDC int64  `toml:"minimum_payment_usdc"`
	DepositUSDC        int64  `toml:"deposit_usdc"`
	WinstonPerGiB      int64  `toml:"winston_per_gib"`
}

type Multipart struct {
	TTLHours              int `toml:"ttl_hours"`
	MaxPerAddress         int `toml:"max_per_address"`
	FraudTolerancePercent int `toml:"fraud_tolerance_percent"`
	RefundThresholdPct    int `toml:"refund_threshold_percent"`
}

type Pipeline struct {
	PlanMaxItems     int   `toml:"plan_max_items"`
	PlanMaxBytes     int64 `toml:"plan_max_bytes"`
	MinConfirmations int64 `toml:"min_confirmations"`
	MaxRepacks       int   `toml:"max_repacks"`
	OpticalEndpoints []string `toml:"optical_endpoints"`
}

type Janitor struct {
	CronSchedule        string `toml:"cron_schedule"`
	LocalRetentionDays  int    `toml:"local_retention_days"`
	RemoteRetentionDays int    `toml:"remote_retention_days"`
}

// Load reads the configuration at path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	base := filepath.Dir(path)
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":3000"
	}
	if c.Server.KeepAliveSeconds <= 0 {
		c.Server.KeepAliveSeconds = 120
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 600
	}
	if c.Server.HeaderTimeoutSeconds <= 0 {
		c.Server.HeaderTimeoutSeconds = 620
	}
	if c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(base, "bundlergw.db")
	}
	if c.ObjectStore.LocalRoot == "" {
		c.ObjectStore.LocalRoot = filepath.Join(base, "objects")
	}
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(base, "jobs.db")
	}
	if c.Wallet.KeyFile == "" {
		c.Wallet.KeyFile = filepath.Join(base, "wallet.key")
	}
	if c.Chain.GatewayURL == "" {
		c.Chain.GatewayURL = "https://arweave.net"
	}
	if c.Chain.DeadlineHeightDelta <= 0 {
		c.Chain.DeadlineHeightDelta = 200
	}
	if c.Payment.DefaultNetwork == "" {
		c.Payment.DefaultNetwork = "base"
	}
	if c.Payment.PaymentTimeoutSeconds <= 0 {
		c.Payment.PaymentTimeoutSeconds = 3600
	}
	if c.Pricing.RateEndpoint == "" && c.Pricing.FixedRateUSD == "" {
		c.Pricing.FixedRateUSD = "5"
	}
	if c.Janitor.CronSchedule == "" {
		c.Janitor.CronSchedule = "0 2 * * *"
	}
	if len(c.Networks) == 0 {
		c.Networks = defaultNetworks()
	}
}

// WalletKey resolves the signing key material: the environment override
// wins, otherwise the key file is read.
func (c *Config) WalletKey() (string, error) {
	if key := os.Getenv(WalletKeyEnv); key != "" {
		return key, nil
	}
	raw, err := os.ReadFile(c.Wallet.KeyFile)
	if err != nil {
		return "", fmt.Errorf("config: read wallet key: %w", err)
	}
	return string(raw), nil
}

func defaultNetworks() map[string]Network {
	return map[string]Network{
		"base": {
			ChainID:      8453,
			Asset:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			AssetName:    "USD Coin",
			AssetVersion: "2",
		},
		"base-sepolia": {
			ChainID:      84532,
			Asset:        "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			AssetName:    "USDC",
			AssetVersion: "2",
		},
	}
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := &Config{}
	cfg.applyDefaults(path)
	cfg.Networks = defaultNetworks()
	return toml.NewEncoder(f).Encode(cfg)
}
