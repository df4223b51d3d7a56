package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/pipeline"
	"github.com/alanyoungcy/nftmarket/internal/server"
	"github.com/alanyoungcy/nftmarket/internal/server/handler"
	"github.com/alanyoungcy/nftmarket/internal/server/ws"
	"github.com/alanyoungcy/nftmarket/internal/service"
)

const (
	// writerLockKey guards the journal: one serving process commits at a time.
	writerLockKey = "lock:writer"
	leaseTTL      = 30 * time.Second
	shutdownGrace = 10 * time.Second
)

// recoverService rebuilds the engine from Postgres and wraps it in the
// journaling service.
func (a *App) recoverService(ctx context.Context, deps *Dependencies) (*service.MarketService, error) {
	col := domain.Collection{
		Name:   a.cfg.Marketplace.Name,
		Symbol: a.cfg.Marketplace.Symbol,
		Admin:  a.cfg.AdminAddress(),
	}
	engine, seq, err := service.Recover(ctx, col, deps.Clock, deps.Events, deps.Snapshots, a.cfg.Postgres.ReplayBatch, a.logger)
	if err != nil {
		return nil, err
	}

	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	svc := service.NewMarketService(
		engine, seq,
		deps.Events, deps.Snapshots, deps.Payouts, deps.Audit,
		deps.SignalBus, archiver, deps.Notifier, deps.Payer,
		service.MarketServiceConfig{SnapshotEvery: a.cfg.Snapshot.Every},
		a.logger,
	)
	return svc.WithRecorder(deps.Metrics), nil
}

// ServeMode takes the writer lease, recovers the engine and serves the HTTP
// and WebSocket API until the context is cancelled or the lease is lost.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	lease, err := deps.LockManager.Acquire(ctx, writerLockKey, leaseTTL)
	if err != nil {
		return fmt.Errorf("app: acquire writer lease: %w", err)
	}
	defer lease.Release()

	svc, err := a.recoverService(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	deps.Metrics.RegisterLedger(svc.Stats, svc.Seq)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.holdLease(gctx, lease, leaseTTL/3)
	})

	if deps.BlockClock != nil {
		g.Go(func() error {
			return deps.BlockClock.Run(gctx)
		})
	}

	if deps.Archiver != nil && a.cfg.Snapshot.ArchiveInterval.Duration > 0 {
		archiver := pipeline.NewArchiver(deps.Archiver, a.logger)
		g.Go(func() error {
			return archiver.RunLoop(gctx, a.cfg.Snapshot.ArchiveInterval.Duration)
		})
	}

	hub := ws.NewHub(deps.SignalBus, func() map[string]any {
		return map[string]any{
			"collection": svc.Collection(),
			"seq":        svc.Seq(),
			"tick":       svc.Now(),
		}
	}, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(gctx)
	})

	checks := map[string]handler.Check{
		"postgres": deps.Postgres.Ping,
		"redis":    deps.Redis.Ping,
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}
	if deps.BlockClock != nil {
		checks["chain"] = func(ctx context.Context) error {
			_, err := deps.Chain.HeaderByNumber(ctx, nil)
			return err
		}
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RateLimit:         a.cfg.Server.RateLimit,
		TrustProxyHeaders: a.cfg.Server.TrustProxyHeaders,
		SignatureAuth:     a.cfg.Server.SignatureAuth,
		SignatureWindow:   a.cfg.Server.SignatureWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Market:  handler.NewMarketHandler(svc, a.logger),
		Audit:   handler.NewAuditHandler(deps.Audit, a.logger),
		Metrics: deps.Metrics.Handler(),
	}, server.Options{
		Hub:      hub,
		Limiter:  deps.RateLimiter,
		Observer: deps.Metrics,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()

	// Still holding the lease: leave a snapshot so the next start replays
	// little.
	snapCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if snap, serr := svc.Snapshot(snapCtx); serr != nil {
		a.logger.WarnContext(snapCtx, "final snapshot failed", slog.String("error", serr.Error()))
	} else {
		a.logger.InfoContext(snapCtx, "final snapshot saved", slog.Uint64("seq", snap.Seq))
	}
	return err
}

// holdLease refreshes the writer lease every interval. Losing it is fatal:
// another process may already be committing.
func (a *App) holdLease(ctx context.Context, lease domain.Lease, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lease.Refresh(ctx, leaseTTL); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, domain.ErrLockLost) {
					return fmt.Errorf("app: writer lease lost: %w", err)
				}
				a.logger.WarnContext(ctx, "writer lease refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveMode saves and archives a snapshot of the recovered state, then
// exports every journal event not yet in cold storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3")
	}

	svc, err := a.recoverService(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	snap, err := svc.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot saved", slog.Uint64("seq", snap.Seq))

	if err := pipeline.NewArchiver(deps.Archiver, a.logger).Run(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// replaySummary is what replay mode prints.
type replaySummary struct {
	Collection domain.Collection  `json:"collection"`
	Seq        uint64             `json:"seq"`
	Tick       int64              `json:"tick"`
	Ledger     domain.LedgerStats `json:"ledger"`
	Balance    string             `json:"balance"`
	Conserved  bool               `json:"conserved"`
	FixedPrice []domain.TokenID   `json:"fixed_price_listings"`
	Auctions   []domain.TokenID   `json:"auction_listings"`
}

// ReplayMode rebuilds the engine from the journal without taking the writer
// lease and prints the balance summary to stdout.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	col := domain.Collection{
		Name:   a.cfg.Marketplace.Name,
		Symbol: a.cfg.Marketplace.Symbol,
		Admin:  a.cfg.AdminAddress(),
	}
	engine, seq, err := service.Recover(ctx, col, deps.Clock, deps.Events, deps.Snapshots, a.cfg.Postgres.ReplayBatch, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	out := summarize(engine, seq)
	if !out.Conserved {
		a.logger.ErrorContext(ctx, "ledger does not balance", slog.String("balance", out.Balance))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("app: print summary: %w", err)
	}
	return nil
}

func summarize(engine *market.Marketplace, seq uint64) replaySummary {
	stats := engine.Stats()
	held := new(big.Int).Sub(stats.Deposited, stats.Withdrawn)
	return replaySummary{
		Collection: engine.Collection(),
		Seq:        seq,
		Tick:       engine.Now(),
		Ledger:     stats,
		Balance:    engine.ContractBalance().String(),
		Conserved:  engine.ContractBalance().Cmp(held) == 0,
		FixedPrice: engine.NFTsForFixedPrice(),
		Auctions:   engine.NFTsForAuction(),
	}
}
