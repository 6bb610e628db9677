// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jukasdrj/jobstream/internal/broker"
	"github.com/jukasdrj/jobstream/internal/config"
	pg "github.com/jukasdrj/jobstream/internal/infra/db/postgres"
	"github.com/jukasdrj/jobstream/internal/infra/logging"
	"github.com/jukasdrj/jobstream/internal/infra/metrics"
	red "github.com/jukasdrj/jobstream/internal/infra/redis"
	"github.com/jukasdrj/jobstream/internal/infra/sched"
	"github.com/jukasdrj/jobstream/internal/infra/web"
	"github.com/jukasdrj/jobstream/internal/infra/worker"
	"github.com/jukasdrj/jobstream/internal/usecase"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (waives channel tickets)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled, channel tickets are not enforced")
	}

	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()

	// ---- Repositories ----
	jobRepo := pg.NewJobRepo(pool)
	snapshotRepo := red.NewSnapshotRepo(redisClient, cfg.Redis.TTL)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Brokers & runners ----
	registry := broker.NewRegistry(snapshotRepo, logger)
	wpool := worker.NewPool(cfg.Server.Workers, logger)
	wpool.Start(ctx)

	proc := usecase.NewSimProcessor(150 * time.Millisecond)
	jobUC := usecase.NewJobUseCase(registry, jobRepo, snapshotRepo, wpool, proc, cfg.Progress.ReadyGraceWait, logger)

	// ---- HTTP ----
	tickets := web.NewTicketIssuer(cfg.Progress.TicketSecret, cfg.Progress.TicketTTL, redisClient)
	srv := web.NewServer(jobUC, registry, tickets, rateLimiter, cfg.Progress.ResultRate, cfg.Runtime.Dev, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Routes(),
	}

	retention := sched.NewRetentionWorker(time.Hour, cfg.Progress.Retention, jobRepo, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := retention.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := registry.Close(shutCtx); err != nil {
			logger.Error().Err(err).Msg("broker registry close")
		}
		if err := httpServer.Shutdown(shutCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		wpool.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("bye")
}
