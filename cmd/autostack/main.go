package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autostack/autostack/internal/config"
	"github.com/autostack/autostack/internal/docker"
	httpx "github.com/autostack/autostack/internal/http"
	"github.com/autostack/autostack/internal/logger"
	"github.com/autostack/autostack/internal/repository/postgres"
	"github.com/autostack/autostack/internal/service/engine"
	"github.com/autostack/autostack/internal/service/logs"
	"github.com/autostack/autostack/internal/service/ports"
	"github.com/autostack/autostack/internal/service/tailer"
	"github.com/autostack/autostack/internal/workspace"
	"github.com/autostack/autostack/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("engine", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrator, err := postgres.NewMigrator(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	buildWorkspace, err := workspace.New(cfg.BuildRoot)
	if err != nil {
		log.Error("failed to prepare build workspace", "error", err)
		os.Exit(1)
	}
	publisher, err := workspace.NewPublisher(cfg.DeployRoot)
	if err != nil {
		log.Error("failed to prepare artifact root", "error", err)
		os.Exit(1)
	}

	dockerCli, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerCli.Close()
	if cfg.DockerEnable {
		if err := dockerCli.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable; docker deployments will fail", "error", err)
		}
	}

	allocator, err := ports.New("127.0.0.1", cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("invalid port range", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	logSvc := logs.New(repo, hub, log)
	prober := docker.NewProber(cfg.HealthCheckAttemptTimeout)
	stores := engine.Stores{Deployments: repo, Stages: repo, Containers: repo, Health: repo}
	engineSvc := engine.New(stores, logSvc, dockerCli, prober, allocator, buildWorkspace, publisher, cfg, log)

	logTailer := tailer.New(repo, dockerCli, logSvc, cfg.LogTailInterval, log)
	go logTailer.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, engineSvc, logSvc, limiter, pool.Ping, publisher.Root(), cfg.StreamBuffer)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
