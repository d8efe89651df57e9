package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leasing-telephony/internal/auth"
	"leasing-telephony/internal/config"
	"leasing-telephony/internal/hangup"
	"leasing-telephony/internal/metrics"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/pkg/logger"
	"leasing-telephony/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	startedAt := time.Now()
	m := metrics.New()

	a, err := buildApp(cfg, db, rdb, m)
	if err != nil {
		log.Error("hangup service init failed", "err", err)
		os.Exit(1)
	}
	if err := m.Register(metrics.NewCollector(a.pending, a.scheduler, startedAt)); err != nil {
		log.Error("metrics collector registration failed", "err", err)
		os.Exit(1)
	}

	// Continuations must not die with the request or the shutdown signal.
	jobCtx := logger.With(context.Background(), log)

	resumed, err := a.hangup.ResumePending(jobCtx)
	if err != nil {
		log.Error("resuming pending retries failed", "err", err)
	} else if resumed > 0 {
		log.Info("resumed pending retries", "count", resumed)
	}

	sweeper := scheduler.NewSweeper(jobCtx, a.pending, log, cfg.Telephony.AfterCallRetryDelay)
	sweeper.Register(hangup.RetryKind, a.hangup.HandleRetryTask)
	if err := sweeper.Start(cfg.Telephony.RetrySweepSchedule); err != nil {
		log.Error("retry sweeper init failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		app:     a,
		sweeper: sweeper,
		authMW:  auth.RequireToken(authManager),
		hookMW:  telephony.RequireWebhookAuth(webhookAuth(cfg)),
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", cfg.Telephony.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	sweeper.Stop()
	// Unfired retries stay in the pending store and are resumed on the next start.
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
