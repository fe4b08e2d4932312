// Package main is the entry point for the pixel canvas server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vitaliisemenov/pixelcanvas/cmd/server/handlers"
	"github.com/vitaliisemenov/pixelcanvas/internal/api"
	"github.com/vitaliisemenov/pixelcanvas/internal/broadcast"
	"github.com/vitaliisemenov/pixelcanvas/internal/config"
	"github.com/vitaliisemenov/pixelcanvas/internal/database"
	"github.com/vitaliisemenov/pixelcanvas/internal/database/postgres"
	"github.com/vitaliisemenov/pixelcanvas/internal/draw"
	"github.com/vitaliisemenov/pixelcanvas/internal/groupcache"
	infracache "github.com/vitaliisemenov/pixelcanvas/internal/infrastructure/cache"
	"github.com/vitaliisemenov/pixelcanvas/internal/ratelimit"
	"github.com/vitaliisemenov/pixelcanvas/internal/store"
	"github.com/vitaliisemenov/pixelcanvas/pkg/logger"
)

const (
	serviceName    = "pixelcanvas"
	serviceVersion = "1.0.0"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var configPath = flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting pixel canvas server", "service", serviceName, "version", serviceVersion)

	ctx := context.Background()

	pgConfig, err := postgres.FromURL(cfg.Postgres.URL)
	if err != nil {
		log.Error("invalid postgres configuration", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns
	pgConfig.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
	pgConfig.MaxConnIdleTime = cfg.Postgres.MaxConnIdleTime
	pgConfig.ConnectTimeout = cfg.Postgres.ConnectTimeout

	pool := postgres.NewPostgresPool(pgConfig, log)
	if err := pool.Connect(ctx); err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Disconnect(ctx)
	log.Info("connected to postgres")

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		log.Error("failed to run database migrations", "error", err)
		os.Exit(1)
	}
	log.Info("database migrations complete")

	redisClient := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	cancel()
	log.Info("connected to redis")

	ps := store.NewPostgresStore(pool.Pool(), log)
	cache := groupcache.NewRedisCache(redisClient, log)
	gate := ratelimit.NewRedisGate(redisClient)
	placementsCache := infracache.NewRedisCacheFromClient(redisClient, log)

	metrics := broadcast.NewMetrics()
	bus := broadcast.NewBus(metrics)
	publisher := broadcast.NewPublisher(redisClient)

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	go func() {
		if err := broadcast.RunBridge(bridgeCtx, redisClient, bus, metrics, log); err != nil {
			log.Error("broadcast bridge stopped", "error", err)
		}
	}()

	pipeline := draw.New(ps, cache, gate, bus, publisher, redisClient, placementsCache, log)

	sseHandler := handlers.NewSSEHandler(bus, log)
	router := api.NewRouter(pipeline, sseHandler, handlers.HealthHandler, log)

	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("http server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()

	stopBridge()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
