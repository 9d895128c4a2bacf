package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"example.com/scrollmeter/internal/backend"
	"example.com/scrollmeter/internal/config"
	"example.com/scrollmeter/internal/logging"
	"example.com/scrollmeter/internal/sqliteutil"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	var (
		dbPath   = flag.String("db", cfg.BackendDBPath, "path to the backend sqlite database file")
		addr     = flag.String("addr", cfg.BackendAddr, "HTTP listen address for the backend API")
		schema   = flag.Int("schema", cfg.AchievementSchema, "achievements schema version to serve (1 or 2)")
		aiBadges = flag.Bool("ai-badges", cfg.AIBadges, "serve the badge generation endpoint")
	)
	flag.Parse()

	ctx := context.Background()
	logger := logging.New()

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		logger.Error("open backend db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := backend.NewStore(db, *schema)
	if err := store.Init(ctx); err != nil {
		logger.Error("init backend schema failed", "error", err)
		os.Exit(1)
	}

	serverLogger := logger.With("component", "backend.http")
	server := &http.Server{
		Addr:              *addr,
		Handler:           backend.NewServer(store, backend.Options{AIBadges: *aiBadges}, serverLogger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		serverLogger.Info("backend API listening", "addr", *addr, "db", *dbPath, "schema", store.SchemaVersion(), "ai_badges", *aiBadges)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("backend server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("backend server stopped")
}
