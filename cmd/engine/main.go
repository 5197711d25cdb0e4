package main

import (
	"context"
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

// Headless variant: reconciliation ticks plus Socket Mode events, no
// HTTP surface. Deploy it next to the main binary when the web side
// scales separately from the engine.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_engine", "service", "presence-mirror-engine")

	// Connect to PostgreSQL (with retry)
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
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
	} else {
		picCache = pictures.NewMemoryCache()
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

	if cfg.Slack.AppToken != "" {
		dedup := redis.NewEventDedup(redisClient)
		dispatcher := api.NewDispatcher(logger, engine, installs, dedup)

		sm := slack.NewSocketMode(slackClient, cfg.Slack.AppToken, logger)
		sm.OnEvent = dispatcher.Dispatch
		go sm.Run(ctx)
		logger.Info("socket_mode_enabled")
	} else {
		logger.Warn("socket_mode_disabled", "msg", "no app token; huddle interrupts need the HTTP events endpoint")
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	engine.Stop()
	logger.Info("engine_stopped")

	cancel()

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}
	dbConn.Close()

	logger.Info("engine_exited")
}
