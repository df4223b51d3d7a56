// Package config defines the nftmarket configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/notify"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by NFTMARKET_* environment
// variables.
type Config struct {
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Wallet      WalletConfig      `toml:"wallet"`
	Chain       ChainConfig       `toml:"chain"`
	Payout      PayoutConfig      `toml:"payout"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Snapshot    SnapshotConfig    `toml:"snapshot"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// MarketplaceConfig fixes the collection at initialization.
type MarketplaceConfig struct {
	Name   string `toml:"name"`
	Symbol string `toml:"symbol"`
	// Admin is the only account allowed to mint.
	Admin string `toml:"admin"`
	// Clock is "system" (Unix seconds) or "block" (latest block timestamp).
	Clock string `toml:"clock"`
}

// WalletConfig holds the hot wallet paying withdrawals.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the Ethereum JSON-RPC connection.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	GasLimit       uint64   `toml:"gas_limit"`
	PollInterval   duration `toml:"poll_interval"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// PayoutConfig selects how withdrawals leave the marketplace: "ledger"
// records them only, "eth" sends native transfers from the hot wallet.
type PayoutConfig struct {
	Mode string `toml:"mode"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
	// ReplayBatch is the page size used when replaying the journal.
	ReplayBatch int `toml:"replay_batch"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters. Archiving is
// skipped when Enabled is false.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig tunes snapshotting and journal archiving.
type SnapshotConfig struct {
	// Every saves a snapshot after this many committed events; 0 disables.
	Every int `toml:"every"`
	// Keep is the number of snapshots retained in Postgres.
	Keep int `toml:"keep"`
	// ArchiveInterval is how often serve mode exports new journal events
	// to S3; 0 disables.
	ArchiveInterval duration `toml:"archive_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required on every /api request.
	APIKey string `toml:"api_key"`
	// SignatureAuth requires an EIP-191 signature on state-changing
	// requests. When off, X-Address is trusted as the caller.
	SignatureAuth   bool     `toml:"signature_auth"`
	SignatureWindow duration `toml:"signature_window"`
	// RateLimit is the number of requests per minute per client; 0 disables.
	RateLimit int `toml:"rate_limit"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Marketplace: MarketplaceConfig{
			Name:   "NFTMarketPlace",
			Symbol: "NFT",
			Clock:  "system",
		},
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        1337,
			GasLimit:       21_000,
			PollInterval:   duration{2 * time.Second},
			ConfirmTimeout: duration{time.Minute},
		},
		Payout: PayoutConfig{Mode: "ledger"},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "nftmarket",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
			ReplayBatch:     500,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "nftmarket",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "nftmarket-archive",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Every:           100,
			Keep:            10,
			ArchiveInterval: duration{15 * time.Minute},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			SignatureAuth:   true,
			SignatureWindow: duration{5 * time.Minute},
			RateLimit:       120,
		},
		Notify: NotifyConfig{
			DiscordUsername: "nftmarket",
			Events:          append([]string(nil), notify.KnownEvents...),
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"archive": true,
	"replay":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, archive, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Marketplace
	if strings.TrimSpace(c.Marketplace.Name) == "" {
		errs = append(errs, "marketplace: name must not be empty")
	}
	if strings.TrimSpace(c.Marketplace.Symbol) == "" {
		errs = append(errs, "marketplace: symbol must not be empty")
	}
	if !common.IsHexAddress(c.Marketplace.Admin) {
		errs = append(errs, fmt.Sprintf("marketplace: admin %q is not a hex address", c.Marketplace.Admin))
	} else if common.HexToAddress(c.Marketplace.Admin) == (common.Address{}) {
		errs = append(errs, "marketplace: admin must not be the zero address")
	}
	switch c.Marketplace.Clock {
	case "system", "block":
	default:
		errs = append(errs, fmt.Sprintf("marketplace: clock must be system or block, got %q", c.Marketplace.Clock))
	}

	// Chain and payouts
	usesChain := c.Marketplace.Clock == "block" || c.Payout.Mode == "eth"
	if usesChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must be set for block clock or eth payouts")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
	}
	switch c.Payout.Mode {
	case "ledger":
	case "eth":
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for eth payouts")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.GasLimit < 21_000 {
			errs = append(errs, "chain: gas_limit must be at least 21000")
		}
	default:
		errs = append(errs, fmt.Sprintf("payout: mode must be ledger or eth, got %q", c.Payout.Mode))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	if c.Postgres.ReplayBatch < 1 {
		errs = append(errs, "postgres: replay_batch must be >= 1")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled || mode == "archive" {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Snapshot
	if c.Snapshot.Every < 0 {
		errs = append(errs, "snapshot: every must be >= 0")
	}
	if c.Snapshot.Keep < 1 {
		errs = append(errs, "snapshot: keep must be >= 1")
	}

	// Server
	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignatureAuth && c.Server.SignatureWindow.Duration <= 0 {
			errs = append(errs, "server: signature_window must be positive when signature_auth is on")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	known := make(map[string]bool, len(notify.KnownEvents))
	for _, e := range notify.KnownEvents {
		known[e] = true
	}
	for _, e := range c.Notify.Events {
		if !known[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: %s)", e, strings.Join(notify.KnownEvents, ", ")))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AdminAddress returns the parsed admin account.
func (c *Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Marketplace.Admin)
}
