package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/dispatch/internal/api/handlers"
	"github.com/swiftcab/dispatch/internal/api/routes"
	"github.com/swiftcab/dispatch/internal/config"
	"github.com/swiftcab/dispatch/internal/dispatch"
	"github.com/swiftcab/dispatch/internal/events"
	"github.com/swiftcab/dispatch/internal/identity"
	"github.com/swiftcab/dispatch/internal/store"
	"github.com/swiftcab/dispatch/pkg/cache"
	"github.com/swiftcab/dispatch/pkg/database"
	"github.com/swiftcab/dispatch/pkg/logger"
	"github.com/swiftcab/dispatch/pkg/monitoring"
	"github.com/swiftcab/dispatch/pkg/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting SwiftCab dispatch service",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("store", cfg.Store.Backend),
	)

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp = nil
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized",
			logger.String("app_name", cfg.NewRelic.AppName))
		defer nrApp.Shutdown(10 * time.Second)
	}

	ctx := context.Background()

	// Pick the order store backend. The memory store is a pure in-process
	// dev mode with no external services; redis and postgres both use a
	// Postgres-backed driver profile source.
	var (
		orderStore store.Store
		profiles   identity.ProfileSource
	)
	switch cfg.Store.Backend {
	case "memory":
		orderStore = store.NewMemory()
		profiles = identity.NewStaticProfiles()
		appLogger.Warn("Using in-memory order store, orders will not survive a restart")

	case "redis":
		redisClient, err := cache.NewRedisClient(cache.Config{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			PoolSize:    cfg.Redis.PoolSize,
			MinIdleConn: cfg.Redis.MinIdleConn,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer cache.Close(redisClient)
		appLogger.Info("Connected to Redis successfully")

		db := mustPostgres(cfg, appLogger)
		defer db.Close()

		pgProfiles := identity.NewPostgresProfiles(db)
		if err := pgProfiles.Migrate(ctx); err != nil {
			appLogger.Fatal("Failed to migrate driver profiles", logger.Err(err))
		}

		orderStore = store.NewRedis(redisClient)
		profiles = pgProfiles

	case "postgres":
		db := mustPostgres(cfg, appLogger)
		defer db.Close()

		pgStore := store.NewPostgres(db)
		if err := pgStore.Migrate(ctx); err != nil {
			appLogger.Fatal("Failed to migrate order store", logger.Err(err))
		}
		pgProfiles := identity.NewPostgresProfiles(db)
		if err := pgProfiles.Migrate(ctx); err != nil {
			appLogger.Fatal("Failed to migrate driver profiles", logger.Err(err))
		}

		orderStore = pgStore
		profiles = pgProfiles
	}

	// Order event publisher
	var publisher events.Publisher
	if cfg.Kafka.Enabled {
		kafkaPub := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPub.Close()
		publisher = kafkaPub
		appLogger.Info("Kafka event publishing enabled",
			logger.String("topic", cfg.Kafka.Topic))
	}

	// Core dispatch components
	coordinator := dispatch.NewCoordinator(orderStore, profiles, publisher, appLogger)
	broadcaster := dispatch.NewBroadcaster(orderStore, appLogger, dispatch.FeedConfig{
		StaleWindow: cfg.Dispatch.StaleWindow,
		PageSize:    cfg.Dispatch.FeedPageSize,
	})
	monitor := dispatch.NewMonitor(orderStore, appLogger)
	sweeper := dispatch.NewSweeper(orderStore, appLogger, cfg.Dispatch.StaleWindow)

	// Background expiration sweeps
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if cfg.Dispatch.SweepInterval > 0 {
		go sweeper.Run(sweepCtx, cfg.Dispatch.SweepInterval)
		appLogger.Info("Expiration sweeper running",
			logger.Duration("interval", cfg.Dispatch.SweepInterval))
	}

	// WebSocket hub
	wsHub := websocket.NewHub(appLogger)

	// Initialize handlers with dependencies
	h := handlers.NewHandlers(coordinator, broadcaster, monitor, sweeper, appLogger, wsHub, nrApp)

	// Initialize Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	var nrApplication *monitoring.NewRelicApp
	if nrApp != nil && nrApp.IsEnabled() {
		nrApplication = nrApp
	}
	if nrApplication != nil {
		routes.SetupRoutes(router, h, nrApplication.Application)
	} else {
		routes.SetupRoutes(router, h, nil)
	}

	appLogger.Info("Routes configured successfully")

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	stopSweeper()
	wsHub.CloseAll()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	appLogger.Info("Server stopped gracefully")
}

func mustPostgres(cfg *config.Config, appLogger *logger.Logger) *sql.DB {
	db, err := database.NewPostgresDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MaxIdle:  cfg.Database.MaxIdle,
	})
	if err != nil {
		appLogger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
	}
	appLogger.Info("Connected to PostgreSQL successfully")
	return db
}
