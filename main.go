package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presence-mirror/internal/api"
	"presence-mirror/internal/config"
	"presence-mirror/internal/db"
	"presence-mirror/internal/logging"
	"presence-mirror/internal/pictures"
	"presence-mirror/internal/presence"
	"presence-mirror/internal/redis"
	"presence-mirror/internal/slack"
	"presence-mirror/internal/status"
	"presence-mirror/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "presence-mirror", "http_addr", cfg.HTTPAddr)

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.Migrate(ctx); err != nil {
		logger.Error("db_migrate_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	users := store.NewUserStore(dbConn)
	installs, err := store.NewInstallationStore(dbConn, users, cfg.EncryptionKey)
	if err != nil {
		logger.Error("installation_store_init_failed", "error", err)
		os.Exit(1)
	}

	// Processed pictures go through S3/R2 when configured, otherwise an
	// in-process cache keeps repeat uploads cheap.
	var picCache pictures.Cache
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		s3Cache, err := pictures.NewS3Cache(pictures.S3Config{
			Endpoint: cfg.S3Endpoint,
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
		}, logger)
		if err != nil {
			logger.Error("s3_cache_init_failed", "error", err)
			os.Exit(1)
		}
		picCache = s3Cache
		logger.Info("picture_cache_s3", "bucket", cfg.S3Bucket)
	} else {
		picCache = pictures.NewMemoryCache()
		logger.Info("picture_cache_memory")
	}
	library := pictures.NewLibrary(picCache, logger)

	slackClient := slack.NewClient(logger)
	writer := presence.NewWriter(slackClient, users, library, cfg.Slack.LogChannel, logger)

	registry := status.DefaultRegistry(users, slack.NewHTTPClient(), logger)

	engine := presence.NewEngine(presence.Config{
		Interval: time.Duration(cfg.TickIntervalSeconds) * time.Second,
		Workers:  cfg.TickWorkers,
	}, users, installs, registry, slackClient, writer, logger)
	go engine.Run(ctx)

	dedup := redis.NewEventDedup(redisClient)
	dispatcher := api.NewDispatcher(logger, engine, installs, dedup)

	// Huddle events arrive over Socket Mode when an app token is
	// configured; the HTTP endpoint stays up either way.
	if cfg.Slack.AppToken != "" {
		sm := slack.NewSocketMode(slackClient, cfg.Slack.AppToken, logger)
		sm.OnEvent = dispatcher.Dispatch
		go sm.Run(ctx)
		logger.Info("socket_mode_enabled")
	}

	srv := api.NewServer(logger, cfg, dbConn, slackClient, installs, dispatcher)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Finish the in-flight tick before tearing the stores down.
	engine.Stop()
	logger.Info("engine_stopped")

	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
