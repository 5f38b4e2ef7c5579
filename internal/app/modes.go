package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/babylonsim/marketcore/internal/amm"
	"github.com/babylonsim/marketcore/internal/feed"
	"github.com/babylonsim/marketcore/internal/fees"
	"github.com/babylonsim/marketcore/internal/oracle"
	"github.com/babylonsim/marketcore/internal/perps"
	"github.com/babylonsim/marketcore/internal/server"
	"github.com/babylonsim/marketcore/internal/server/handler"
	"github.com/babylonsim/marketcore/internal/server/ws"
	"github.com/babylonsim/marketcore/internal/service"
)

// engineServices bundles the services built by buildEngine.
type engineServices struct {
	trades  *service.TradeService
	markets *service.MarketService
	engine  *perps.Engine
	recon   *perps.Reconciler
}

// buildEngine constructs the pricing, fee, position, and oracle services and
// restores the in-memory position index from the durable snapshot.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engineServices, error) {
	feeSvc := fees.New(fees.Config{
		Rate:          decimalFromFloat(a.cfg.Fees.Rate),
		MinimumFee:    decimalFromFloat(a.cfg.Fees.MinimumFee),
		ReferrerSplit: decimalFromFloat(a.cfg.Fees.ReferrerSplit),
	}, deps.UserStore, deps.FeeStore, a.logger)

	pricer := amm.NewPricer(feeSvc)

	engine := perps.NewEngine(perps.Config{
		MinLeverage:       decimalFromFloat(a.cfg.Perps.MinLeverage),
		MaxLeverage:       decimalFromFloat(a.cfg.Perps.MaxLeverage),
		MaintenanceFactor: decimalFromFloat(a.cfg.Perps.MaintenanceFactor),
	}, a.logger)

	// Restore open positions so marks and liquidations survive a restart.
	open, err := deps.PositionStore.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	engine.Restore(open)
	a.logger.InfoContext(ctx, "position index restored", slog.Int("open", len(open)))

	oracleSvc := oracle.New(deps.OracleBackend, deps.OracleStore,
		a.cfg.Oracle.CallTimeout.Duration, a.logger)

	trades := service.NewTradeService(
		deps.MarketStore, deps.PositionStore, deps.LedgerStore,
		deps.PriceCache, deps.SignalBus, deps.AuditStore,
		pricer, engine, feeSvc, a.logger,
	)
	markets := service.NewMarketService(
		deps.MarketStore, oracleSvc, deps.LockManager,
		deps.SignalBus, deps.AuditStore, a.logger,
	)

	recon := perps.NewReconciler(engine, deps.PositionStore,
		a.cfg.Perps.ReconcileInterval.Duration, a.logger)

	return &engineServices{
		trades:  trades,
		markets: markets,
		engine:  engine,
		recon:   recon,
	}, nil
}

// EngineMode runs the trading engine: price feeds in, trades and
// liquidations out, reconciliation in the background.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	svcs, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, svcs)
	return g.Wait()
}

// ArchiveMode runs only the cold-storage sweep.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the engine plus the archive sweep when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, svcs)
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	}
	return g.Wait()
}

// startEngine launches the engine goroutines: the reconciliation sweep, the
// internal price-channel feeder, and (when configured) the upstream
// WebSocket feed.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *engineServices) {
	g.Go(func() error {
		return svcs.recon.Run(ctx)
	})

	busFeeder := feed.NewBusFeeder(deps.SignalBus, svcs.trades.ApplyPriceUpdate, a.logger)
	g.Go(func() error {
		return busFeeder.Run(ctx)
	})

	if a.cfg.Feed.WSURL != "" && len(a.cfg.Feed.Tickers) > 0 {
		wsFeed := feed.NewWSFeed(a.cfg.Feed.WSURL, a.cfg.Feed.Tickers,
			svcs.trades.ApplyPriceUpdate, a.logger)
		g.Go(func() error {
			defer wsFeed.Close()
			return wsFeed.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, svcs)
	}
}

// startServer launches the HTTP/WebSocket API and shuts it down when the
// group context is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *engineServices) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Markets:   handler.NewMarketHandler(svcs.markets, a.logger),
		Trades:    handler.NewTradeHandler(svcs.trades, a.logger),
		Positions: handler.NewPositionHandler(svcs.trades, deps.PositionStore, a.logger),
		Accounts:  handler.NewAccountHandler(deps.LedgerStore, deps.FeeStore, deps.UserStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// startArchiver launches the periodic cold-storage sweep for aged fee
// records and ledger entries.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)

				if n, err := deps.Archiver.ArchiveFees(ctx, cutoff); err != nil {
					a.logger.WarnContext(ctx, "fee archive sweep failed",
						slog.Int64("archived", n),
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "fee records archived", slog.Int64("count", n))
				}

				if n, err := deps.Archiver.ArchiveLedger(ctx, cutoff); err != nil {
					a.logger.WarnContext(ctx, "ledger archive sweep failed",
						slog.Int64("archived", n),
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "ledger entries archived", slog.Int64("count", n))
				}
			}
		}
	})
}
