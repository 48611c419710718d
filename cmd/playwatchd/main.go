package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/playwatch/playwatch/internal/analytics"
	"github.com/playwatch/playwatch/internal/config"
	"github.com/playwatch/playwatch/internal/notify"
	"github.com/playwatch/playwatch/internal/server"
	"github.com/playwatch/playwatch/internal/storage"
	"github.com/playwatch/playwatch/internal/tracker"
)

func main() {
	configPath := flag.String("config", "./playwatch.config.json", "path to playwatch config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	tracker.InitMetrics()
	logger.Info("metrics initialized")

	store := storage.NewStore(db)
	bus := tracker.NewBus(logger)
	source := tracker.NewProcessSnapshotSource()
	trk := tracker.NewTracker(store, source, bus, cfg.PollInterval(), cfg.SnapshotTimeout(), logger)
	if err := trk.Load(); err != nil {
		logger.Error("failed to load tracked programs", zap.Error(err))
		os.Exit(1)
	}

	cache := analytics.NewCache(store, cfg.Location(), logger)
	refresher := analytics.NewRefresher(cache, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := server.NewHub(ctx, cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger)
	go hub.Run()
	stopBridge := hub.ConsumeBus(bus)
	defer stopBridge()

	api := server.NewHTTPAPI(trk, cache, store, db, cfg.Server.AuthToken, logger)
	api.SetHub(hub)
	api.SetHealthChecker(server.NewHealthChecker(db, hub, trk))

	shutdownHTTP, err := server.StartHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), api.Handler(), logger)
	if err != nil {
		logger.Error("failed to start http server", zap.Error(err))
		os.Exit(1)
	}

	trk.Start(ctx)
	refresher.Start()
	logger.Info("tracker started",
		zap.Duration("poll_interval", cfg.PollInterval()),
		zap.Int("programs", len(trk.Programs())),
	)

	var notifier *notify.DiscordNotifier
	if token := cfg.Discord.BotToken; token != "" {
		n, notifyErr := notify.NewDiscordNotifier(token, cfg.Discord.ChannelID, bus, logger)
		if notifyErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(notifyErr))
		} else if startErr := n.Start(); startErr != nil {
			logger.Error("failed to start discord notifier", zap.Error(startErr))
		} else {
			notifier = n
			logger.Info("discord notifier started")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTP(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}

	if notifier != nil {
		if stopErr := notifier.Stop(); stopErr != nil {
			logger.Error("error stopping discord notifier", zap.Error(stopErr))
		}
	}

	refresher.Stop()

	// Tracker last so open sessions are finalized after all consumers of
	// its publications have detached.
	trk.Stop()

	logger.Info("playwatchd exited cleanly")
	os.Exit(0)
}
