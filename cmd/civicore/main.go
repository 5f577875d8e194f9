package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/civicore/civicore/internal/app"
	"github.com/civicore/civicore/internal/audit"
	audithttp "github.com/civicore/civicore/internal/audit/http"
	"github.com/civicore/civicore/internal/authz"
	"github.com/civicore/civicore/internal/breakglass"
	"github.com/civicore/civicore/internal/observability"
	"github.com/civicore/civicore/internal/platform/cache"
	"github.com/civicore/civicore/internal/platform/db"
	"github.com/civicore/civicore/internal/roles"
	"github.com/civicore/civicore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	catalogue, err := authz.NewCatalogue(authz.Builtin())
	if err != nil {
		logger.Error("load permission catalogue", slog.Any("error", err))
		os.Exit(1)
	}
	fields, err := authz.NewFieldPolicyMatrix(authz.BuiltinFieldPolicies())
	if err != nil {
		logger.Error("load field policies", slog.Any("error", err))
		os.Exit(1)
	}
	roleStore := authz.NewRoleStore(nil)

	metrics := observability.NewMetrics()
	auditEmitter := audit.NewPGEmitter(pool)
	auditService := audit.NewService(audit.NewPGRepository(pool))

	elevations := authz.NewElevationStore(redisClient)
	permCache := authz.NewPermissionCache(redisClient, cfg.DecisionCacheTTL)

	evaluator, err := authz.NewEvaluator(authz.EvaluatorParams{
		Catalogue:  catalogue,
		Roles:      roleStore,
		Fields:     fields,
		Elevations: elevations,
		Emitter:    auditEmitter,
		Cache:      permCache,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("build evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	bgRepo := breakglass.NewPGRepository(pool)
	bgService := breakglass.NewService(bgRepo, evaluator, auditEmitter, metrics, logger, breakglass.Config{
		TTL:               cfg.BreakGlassTTL,
		RequiredApprovals: cfg.BreakGlassRequiredApprovals,
		AllowSelfApproval: cfg.BreakGlassAllowSelfApprove,
	})
	evaluator.SetGrantSource(bgService)

	rolesService := roles.NewService(roleStore, roles.NewRepository(pool), catalogue)
	if err := rolesService.Hydrate(ctx); err != nil {
		logger.Error("hydrate roles", slog.Any("error", err))
		os.Exit(1)
	}

	authzMW := authz.Middleware{Evaluator: evaluator, Logger: logger}
	authzHandler := authz.NewHandler(logger, evaluator, catalogue, elevations, cfg.MFAElevationTTL)
	rolesHandler := roles.NewHandler(logger, rolesService, authzMW)
	bgHandler := breakglass.NewHandler(logger, bgService)
	auditHandler := audithttp.NewHandler(logger, auditService, authzMW)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AuthzHandler:      authzHandler,
		RolesHandler:      rolesHandler,
		BreakGlassHandler: bgHandler,
		AuditHandler:      auditHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	sweeper := breakglass.NewSweeper(bgService, cfg.SweepInterval, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := sweeper.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("runtime", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
