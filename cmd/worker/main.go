package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/civicore/civicore/internal/app"
	"github.com/civicore/civicore/internal/audit"
	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/breakglass"
	"github.com/civicore/civicore/internal/platform/db"
	"github.com/civicore/civicore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	catalogue, err := authz.NewCatalogue(authz.Builtin())
	if err != nil {
		logger.Error("load permission catalogue", slog.Any("error", err))
		os.Exit(1)
	}
	roleStore := authz.NewRoleStore(nil)
	auditEmitter := audit.NewPGEmitter(pool)

	evaluator, err := authz.NewEvaluator(authz.EvaluatorParams{
		Catalogue: catalogue,
		Roles:     roleStore,
		Emitter:   auditEmitter,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("build evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	bgRepo := breakglass.NewPGRepository(pool)
	bgService := breakglass.NewService(bgRepo, evaluator, auditEmitter, nil, logger, breakglass.Config{
		TTL:               cfg.BreakGlassTTL,
		RequiredApprovals: cfg.BreakGlassRequiredApprovals,
		AllowSelfApproval: cfg.BreakGlassAllowSelfApprove,
	})
	evaluator.SetGrantSource(bgService)

	sweepTask, err := jobs.NewBreakGlassSweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBreakGlassSweep, Handler: jobs.NewBreakGlassSweepHandler(bgService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 15s", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
