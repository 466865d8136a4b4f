package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/signaltrader/internal/executor"
	"github.com/alanyoungcy/signaltrader/internal/feed"
	"github.com/alanyoungcy/signaltrader/internal/pipeline"
	"github.com/alanyoungcy/signaltrader/internal/server"
	"github.com/alanyoungcy/signaltrader/internal/server/handler"
	"github.com/alanyoungcy/signaltrader/internal/server/ws"
	"github.com/alanyoungcy/signaltrader/internal/service"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// TradeMode consumes the event stream and drives the position manager. The
// reporting server runs alongside when enabled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.Bool("dry_run", a.cfg.Trading.DryRun))
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps)
	return ignoreCanceled(g.Wait())
}

// WorkersMode runs the reconcile and PnL sweepers and the archive cron.
func (a *App) WorkersMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting workers mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCanceled(g.Wait())
}

// MonitorMode serves the reporting API and websocket only.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCanceled(g.Wait())
}

// FullMode runs trading, workers and the server in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.Bool("dry_run", a.cfg.Trading.DryRun))
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	a.startWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCanceled(g.Wait())
}

// startTrading wires stream feeder -> executor -> position manager. The
// executor is the only consumer of the feeder channel, so events are
// handled one at a time in stream order.
func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	mcfg, err := managerConfig(a.cfg)
	if err != nil {
		return fmt.Errorf("app: trading config: %w", err)
	}
	if deps.Exchange == nil && !mcfg.DryRun {
		return errors.New("app: trading requires an exchange client")
	}

	manager := service.NewPositionManager(mcfg, service.ManagerDeps{
		Exchange:  deps.Exchange,
		Signals:   deps.Signals,
		Updates:   deps.Updates,
		Positions: deps.Positions,
		Orders:    deps.Orders,
		Audit:     deps.Audit,
		Processed: deps.Processed,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Notifier:  deps.Notifier,
	}, a.logger)

	feeder := feed.NewStreamFeeder(deps.SignalBus, feed.Config{
		Stream:       a.cfg.Ingest.Stream,
		StartID:      a.cfg.Ingest.StartID,
		BatchSize:    a.cfg.Ingest.BatchSize,
		PollInterval: a.cfg.Ingest.PollInterval.Duration,
		QueueSize:    a.cfg.Ingest.QueueSize,
		Cursor:       deps.Cursor,
	}, a.logger)

	exec := executor.NewExecutor(feeder.Events(), manager, a.logger)
	if d := a.cfg.Trading.DedupTTL.Duration; d > 0 {
		exec.SetDedupTTL(d)
	}
	if d := a.cfg.Trading.HandleTimeout.Duration; d > 0 {
		exec.SetHandleTimeout(d)
	}
	// A dry run reads from the stored cursor but never moves it, so a later
	// live run still sees every event.
	if !mcfg.DryRun {
		exec.SetCommitter(feeder)
	}

	g.Go(func() error { return feeder.Run(ctx) })
	g.Go(func() error {
		err := exec.Run(ctx)
		processed, failed := exec.Stats()
		a.logger.Info("executor totals",
			slog.Int64("processed", processed),
			slog.Int64("failed", failed),
		)
		return err
	})
	return nil
}

// startWorkers runs the sweepers and the archive cron under one orchestrator.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Workers.Enabled {
		a.logger.InfoContext(ctx, "workers disabled")
		return
	}

	var jobs []pipeline.Job
	if deps.Exchange != nil {
		wd := service.WorkerDeps{
			Exchange:  deps.Exchange,
			Orders:    deps.Orders,
			Positions: deps.Positions,
			Locks:     deps.LockManager,
			Audit:     deps.Audit,
			Bus:       deps.SignalBus,
			Notifier:  deps.Notifier,
			LockTTL:   a.cfg.Trading.LockTTL.Duration,
		}
		reconcile := service.NewReconcileWorker(wd, a.logger)
		pnl := service.NewPnLWorker(wd, a.logger)
		jobs = append(jobs,
			service.NewSweeper("reconcile", a.cfg.Workers.ReconcileInterval.Duration, reconcile.Sweep, deps.LockManager, a.logger),
			service.NewSweeper("pnl", a.cfg.Workers.PnLInterval.Duration, pnl.Sweep, deps.LockManager, a.logger),
		)
	} else {
		a.logger.WarnContext(ctx, "no exchange client; reconcile and pnl workers not started")
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}
	if len(jobs) == 0 && archiver == nil {
		return
	}

	orch := pipeline.NewOrchestrator(jobs, archiver, a.cfg.Archive.Cron, a.logger)
	g.Go(func() error { return orch.Run(ctx) })
}

// startHTTPServer serves the reporting API and relays bus events to
// websocket clients.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}

	reports := service.NewReportService(deps.Signals, deps.Updates, deps.Positions, deps.Orders, deps.Audit, a.logger)
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Trading.DryRun, reports, a.logger),
		Signals:   handler.NewSignalHandler(reports, a.logger),
		Positions: handler.NewPositionHandler(reports, a.logger),
		Orders:    handler.NewOrderHandler(reports, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
