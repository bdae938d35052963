package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"papertrader/config"
	"papertrader/internal/api"
	"papertrader/internal/database"
	"papertrader/internal/engine"
	"papertrader/internal/events"
	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/journal"
	"papertrader/internal/logging"
	"papertrader/internal/pricefeed"
	"papertrader/internal/risk"
	"papertrader/internal/signals"
	"papertrader/internal/statestore"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load(getEnv("PAPERTRADER_CONFIG", "config.json"))
	if err != nil {
		l := logging.Default()
		l.Error().Err(err).Msg("Failed to load configuration")
		return 2
	}

	// Initialize structured logging
	logger, logCloser := logging.New(cfg.LoggingConfig)
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetDefault(logger)

	variant := cfg.EngineConfig.Variant
	logger.Info().Str("variant", variant).Str("data_dir", cfg.VariantDir(variant)).Str("signals", cfg.StorageConfig.SignalsCSV).Msg("Starting paper engine")

	strategy, err := exits.ByName(variant)
	if err != nil {
		logger.Error().Err(err).Msg("Unknown strategy variant")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Journal: CSV files always, Postgres mirror when enabled
	csvSink, err := journal.NewCSVSink(cfg.VariantDir(variant))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create journal")
		return 1
	}
	sinks := []journal.Sink{csvSink}

	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.Database(), logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to database")
			return 1
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to run migrations")
			return 1
		}
		sinks = append(sinks, journal.NewPostgresSink(db))
	}
	sink := journal.Fanout(sinks...)
	defer sink.Close()

	// Price lookup with an optional shared Redis tier
	var shared pricefeed.SharedCache
	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer client.Close()
		shared = pricefeed.NewRedisCache(client, cfg.PriceFeed().StaleMaxAge, logger)
	}
	prices := pricefeed.NewBinanceFeed(cfg.PriceFeed(), shared, logger)

	bus := events.NewEventBus()
	gate := gatekeeper.New(cfg.Gatekeeper())
	store := statestore.New(cfg.VariantDir(variant), logger)

	eng, err := engine.New(engine.Config{
		LoopInterval:        cfg.EngineConfig.LoopInterval.Duration,
		RestartDelay:        cfg.EngineConfig.RestartDelay.Duration,
		StartBalance:        cfg.EngineConfig.StartBalance,
		SnapshotMinInterval: cfg.EngineConfig.EquityLogMinInterval.Duration,
	}, engine.Deps{
		Store:    store,
		Signals:  signals.NewCSVFeed(cfg.StorageConfig.SignalsCSV),
		Prices:   prices,
		Sink:     sink,
		Strategy: strategy,
		Risk:     risk.NewManager(cfg.Risk()),
		Gate:     gate,
		Bus:      bus,
	}, logger)
	if err != nil {
		if errors.Is(err, statestore.ErrCorrupt) {
			logger.Error().Err(err).Msg("State files are corrupt, refusing to start")
		} else {
			logger.Error().Err(err).Msg("Failed to initialize engine")
		}
		return 1
	}

	// Dashboard
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: true,
			AllowedOrigins: cfg.ServerConfig.Origins(),
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			StaleAfter:     3 * cfg.EngineConfig.LoopInterval.Duration,
			RateLimit:      120,
		}, api.Deps{
			Store:   store,
			Gate:    gate,
			Ladder:  strategy.Ladder,
			Engine:  eng,
			Bus:     bus,
			Variant: variant,
		}, logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine stopped with error")
	}

	logger.Info().Msg("Shutting down...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down web server")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
