package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/downpour/downpour/internal/api"
	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/config"
	"github.com/downpour/downpour/internal/database"
	"github.com/downpour/downpour/internal/hls"
	"github.com/downpour/downpour/internal/library"
	"github.com/downpour/downpour/internal/logger"
	"github.com/downpour/downpour/internal/notify/telegram"
	"github.com/downpour/downpour/internal/provider"
	"github.com/downpour/downpour/internal/provider/animeworld"
	"github.com/downpour/downpour/internal/provider/streamcommunity"
	"github.com/downpour/downpour/internal/queue"
	"github.com/downpour/downpour/internal/reconcile"
	"github.com/downpour/downpour/internal/scheduler"
	"github.com/downpour/downpour/internal/scheduler/tasks"
	"github.com/downpour/downpour/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("address", cfg.Server.Address()).
		Str("database", cfg.Database.Path).
		Msg("Starting downpour")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	store := catalog.NewStore(db.Conn(), log.WithComponent("catalog"))

	layout := library.Layout{
		AnimeDir:  cfg.Library.AnimeDir,
		SeriesDir: cfg.Library.SeriesDir,
		MoviesDir: cfg.Library.MoviesDir,
	}

	fetcher, err := hls.New(hls.Config{
		Backend:        cfg.HLS.Backend,
		BinaryPath:     cfg.HLS.BinaryPath,
		Threads:        cfg.HLS.Threads,
		Retries:        cfg.HLS.Retries,
		SpeedLimit:     cfg.HLS.SpeedLimit,
		TempDir:        cfg.HLS.TempDir,
		Timeout:        time.Duration(cfg.HLS.TimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.HLS.RequestTimeoutSeconds) * time.Second,
	}, log.WithComponent("hls"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize playlist fetcher")
	}

	hub := websocket.NewHub(log.WithComponent("websocket"))
	go hub.Run()

	presenters := []queue.Presenter{hub}

	notifier := telegram.New(telegram.Settings{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, nil, log.WithComponent("telegram"))
	if notifier.Enabled() {
		presenters = append(presenters, notifier)
	}

	agg := queue.NewAggregator(queue.AggregatorConfig{}, log.WithComponent("aggregator"), presenters...)

	q := queue.NewScheduler(cfg.Sync.Parallelism, agg, log.WithComponent("queue"))

	aw := animeworld.New(animeworld.Config{
		BaseURL:      cfg.Providers.AnimeworldURL,
		DirectoryURL: cfg.Providers.AnimeworldDirectoryURL,
	}, log.WithComponent("animeworld"))
	sc := streamcommunity.New(streamcommunity.Config{
		BaseURL:  cfg.Providers.StreamcommunityURL,
		Language: cfg.Providers.Language,
	}, log.WithComponent("streamcommunity"))

	reconciler := reconcile.NewService(store, layout, fetcher, q, log.WithComponent("reconcile"), aw, sc)
	if notifier.Enabled() {
		reconciler.SetNotifier(notifier)
	}

	taskScheduler, err := scheduler.New(log.WithComponent("scheduler"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create task scheduler")
	}
	syncTask := tasks.NewLibrarySyncTask(reconciler, log.Logger)
	if err := syncTask.Register(taskScheduler, cfg.Sync.Cron); err != nil {
		log.Fatal().Err(err).Msg("Failed to register library sync task")
	}

	// Searches route to the adapter that serves the kind. Series and
	// films share one upstream.
	adapters := map[catalog.Kind]provider.Adapter{
		catalog.KindAnime:  aw,
		catalog.KindSeries: sc,
		catalog.KindFilm:   sc,
	}

	server := api.NewServer(store, layout, q, reconciler, taskScheduler, hub, adapters, log.Logger)

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	agg.Start(appCtx)
	q.Start(appCtx)
	taskScheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := taskScheduler.Stop(); err != nil {
		log.Error().Err(err).Msg("Task scheduler shutdown failed")
	}
	q.Stop()
	cancelApp()

	log.Info().Msg("Shutdown complete")
}
