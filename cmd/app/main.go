// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plate-solver-service/internal/config"
	"plate-solver-service/internal/infra/logging"
	"plate-solver-service/internal/infra/metrics"
	red "plate-solver-service/internal/infra/redis"
	"plate-solver-service/internal/infra/sched"
	"plate-solver-service/internal/infra/solver"
	"plate-solver-service/internal/infra/web"
	"plate-solver-service/internal/infra/worker"
	"plate-solver-service/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logging)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	if err := os.MkdirAll(cfg.Jobs.TempDir, 0o755); err != nil {
		log.Fatalf("temp dir: %v", err)
	}

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisClient.Close()

	// ---- Repositories ----
	jobRepo := red.NewJobRepo(redisClient)
	queueRepo := red.NewQueueRepo(redisClient)
	counterRepo := red.NewCounterRepo(redisClient)
	procSetRepo := red.NewProcessingSetRepo(redisClient)

	// ---- Solver + execution units ----
	runner := solver.NewRunner(cfg.Solver, logger)
	pool := worker.NewPool(cfg.Jobs.MaxConcurrent, logger)
	pool.Start(ctx)
	processor := worker.NewSolveProcessor(jobRepo, counterRepo, procSetRepo, runner, logger)

	// ---- Dispatcher ----
	dispatcher := sched.NewDispatcher(queueRepo, counterRepo, procSetRepo, pool, processor, cfg.Jobs.MaxConcurrent, logger)
	go func() { _ = dispatcher.Run(ctx) }()

	// ---- HTTP API ----
	jobUC := usecase.NewJobUseCase(jobRepo, queueRepo, counterRepo, procSetRepo, redisClient, cfg, logger)
	srv := web.NewServer(jobUC, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	pool.Stop()
}
