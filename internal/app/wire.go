package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/nftmarket/internal/blob/s3"
	"github.com/alanyoungcy/nftmarket/internal/cache/redis"
	"github.com/alanyoungcy/nftmarket/internal/chain"
	"github.com/alanyoungcy/nftmarket/internal/config"
	"github.com/alanyoungcy/nftmarket/internal/crypto"
	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/metrics"
	"github.com/alanyoungcy/nftmarket/internal/notify"
	"github.com/alanyoungcy/nftmarket/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Postgres  *postgres.Client
	Events    domain.EventStore
	Snapshots domain.SnapshotStore
	Payouts   domain.PayoutStore
	Audit     domain.AuditStore

	// Redis plumbing, serve mode only
	Redis       *redis.Client
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage, nil unless s3.enabled
	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	// Chain, nil unless the block clock or eth payouts are configured
	Chain      *ethclient.Client
	BlockClock *chain.BlockClock

	Clock    domain.Clock
	Payer    domain.Payer
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// needsRedis returns true for modes that fan events out or serve the API.
func needsRedis(mode string) bool {
	return mode == "serve"
}

// needsS3 returns true when object storage must be wired.
func needsS3(cfg *config.Config, mode string) bool {
	return cfg.S3.Enabled || mode == "archive"
}

// needsChain returns true when a JSON-RPC connection is required.
func needsChain(cfg *config.Config) bool {
	return cfg.Marketplace.Clock == "block" || cfg.Payout.Mode == "eth"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Events = postgres.NewEventStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool, cfg.Snapshot.Keep)
	deps.Payouts = postgres.NewPayoutStore(pool)
	audit := postgres.NewAuditStore(pool)
	deps.Audit = audit

	// --- Redis ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- S3 blob storage ---
	if needsS3(cfg, mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Events, audit)
	}

	// --- Chain: clock and payouts ---
	if needsChain(cfg) {
		ec, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
		if err != nil {
			return fail("chain", err)
		}
		closers = append(closers, ec.Close)
		deps.Chain = ec
	}

	if cfg.Marketplace.Clock == "block" {
		bc, err := chain.NewBlockClock(ctx, deps.Chain, cfg.Chain.PollInterval.Duration, logger)
		if err != nil {
			return fail("block clock", err)
		}
		deps.BlockClock = bc
		deps.Clock = bc
	} else {
		deps.Clock = market.SystemClock{}
	}

	if cfg.Payout.Mode == "eth" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wallet", err)
		}
		payer, err := chain.NewEthPayer(deps.Chain, key, chain.PayerConfig{
			ChainID:        big.NewInt(cfg.Chain.ChainID),
			GasLimit:       cfg.Chain.GasLimit,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
			PollInterval:   cfg.Chain.PollInterval.Duration,
		}, logger)
		if err != nil {
			return fail("eth payer", err)
		}
		logger.InfoContext(ctx, "eth payouts enabled", slog.String("hot_wallet", payer.Address().Hex()))
		deps.Payer = payer
	} else {
		deps.Payer = chain.NewLedgerPayer(logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
