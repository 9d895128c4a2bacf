package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"

	"example.com/scrollmeter/internal/achievements"
	"example.com/scrollmeter/internal/agent"
	"example.com/scrollmeter/internal/auth"
	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/config"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/flags"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/logging"
	"example.com/scrollmeter/internal/notify"
	"example.com/scrollmeter/internal/remote"
	"example.com/scrollmeter/internal/scroll"
	"example.com/scrollmeter/internal/stats"
	"example.com/scrollmeter/internal/syncer"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	var (
		dbPath     = flag.String("db", cfg.DBPath, "path to the agent sqlite database file")
		addr       = flag.String("addr", cfg.AgentAddr, "HTTP listen address for the agent API")
		backendURL = flag.String("backend", cfg.BackendURL, "base URL of the scrollmeter backend")
		flagsPath  = flag.String("flags", cfg.FlagsPath, "path to the feature flag file")
		temporal   = flag.Bool("temporal", cfg.TemporalEnabled, "run maintenance passes through Temporal")
	)
	flag.Parse()

	logger := logging.New()
	if err := run(cfg, *dbPath, *addr, *backendURL, *flagsPath, *temporal, logger); err != nil {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, dbPath, addr, backendURL, flagsPath string, useTemporal bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.Real()

	store, err := kvstore.OpenSQLite(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	featureFlags := flags.NewSource(flagsPath, logger)
	if err := featureFlags.Load(); err != nil {
		logger.Warn("flag file unreadable, using defaults", "path", flagsPath, "error", err)
	}

	sessions := auth.NewSessions(store)
	api, err := remote.NewClient(backendURL, sessions.Token)
	if err != nil {
		return err
	}

	acc := scroll.NewAccumulator(store, clk, logger.With("component", "scroll.accumulator"))
	if err := acc.Load(ctx); err != nil {
		return err
	}
	engine := achievements.NewEngine(store, featureFlags, clk, logger.With("component", "achievements.engine"), achievements.Options{
		Location:     loc,
		PersistDelay: cfg.PersistDelay,
	})

	hub := notify.NewHub(clk.Now)
	sinks := notify.Multi{hub}
	if cfg.DesktopToasts {
		sinks = append(sinks, notify.NewDesktop("scrollmeter", logger))
	}
	notifiers := notify.Gated{Notifier: sinks, Enabled: featureFlags.ToastsEnabled}

	deliverer := delivery.NewRemoteDeliverer(api, featureFlags, logger)
	queue := delivery.NewQueue(store, deliverer, sessions, notifiers, clk, logger)
	batcher := syncer.NewBatcher(acc, sessions, api, clk, logger, syncer.Options{
		Interval:       cfg.SyncInterval,
		NudgeCooldown:  cfg.NudgeCooldown,
		ReconcileEvery: cfg.ReconcileEvery,
	})
	cache := stats.NewCache(store, api, acc, clk, logger, stats.Options{
		Location:       loc,
		StaleAfter:     cfg.StatsStaleAfter,
		RefreshTimeout: cfg.StatsRefreshTimeout,
	})

	svc := agent.NewService(agent.Deps{
		Accumulator: acc,
		Engine:      engine,
		Queue:       queue,
		Batcher:     batcher,
		Stats:       cache,
		Sessions:    sessions,
		Remote:      api,
		Flags:       featureFlags,
		Notifier:    notifiers,
		Hub:         hub,
		Clock:       clk,
		Logger:      logger,
	}, agent.Options{
		DeliveryInterval:    cfg.DeliveryInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
	})

	if useTemporal {
		tc, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			return err
		}
		defer tc.Close()
		w := agent.RegisterMaintenanceWorker(tc, svc, logger)
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		svc.SetOrchestrator(agent.NewTemporalOrchestrator(tc, clk, logger))
		logger.Info("temporal maintenance enabled", "host", cfg.TemporalAddress, "namespace", cfg.TemporalNamespace, "task_queue", agent.MaintenanceTaskQueue())
	}

	serverLogger := logger.With("component", "agent.http")
	server := &http.Server{
		Addr:              addr,
		Handler:           agent.NewServer(svc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		serverLogger.Info("agent API listening", "addr", addr, "db", dbPath, "backend", backendURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			serverLogger.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		logger.Error("flush state failed", "error", serr)
	}
	logger.Info("agent stopped")
	return err
}
