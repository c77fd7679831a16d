package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/controller"
	"github.com/conveyor-ci/conveyor/internal/execution/runner"
	"github.com/conveyor-ci/conveyor/internal/execution/scheduler"
	"github.com/conveyor-ci/conveyor/internal/notify"
	"github.com/conveyor-ci/conveyor/internal/platform/auth"
	"github.com/conveyor-ci/conveyor/internal/platform/env"
	"github.com/conveyor-ci/conveyor/internal/platform/httpserver"
	"github.com/conveyor-ci/conveyor/internal/platform/objectstore"
	"github.com/conveyor-ci/conveyor/internal/platform/postgres"
	"github.com/conveyor-ci/conveyor/internal/repo"
	repopg "github.com/conveyor-ci/conveyor/internal/repo/postgres"
	"github.com/conveyor-ci/conveyor/internal/runtimeexec"
	"github.com/conveyor-ci/conveyor/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONVEYOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CONVEYOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	dataDir := env.String("CONVEYOR_DATA_DIR", "/var/lib/conveyor")
	pipelinesDir := env.String("CONVEYOR_PIPELINES_DIR", filepath.Join(dataDir, "pipelines"))
	maxParallel, err := env.Int("CONVEYOR_MAX_PARALLEL", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	jobTimeout, err := env.Duration("CONVEYOR_JOB_TIMEOUT", time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	disableDocker, err := env.Bool("CONVEYOR_DISABLE_DOCKER", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	hostTags := env.Strings("CONVEYOR_HOST_TAGS", nil)
	defaultImage := env.String("CONVEYOR_DEFAULT_IMAGE", "")
	webhookSecret := env.String("CONVEYOR_WEBHOOK_SECRET", "")
	webhookMaxSkew, err := env.Duration("CONVEYOR_WEBHOOK_MAX_SKEW", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	fsStore, err := store.NewFS(dataDir)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	var checks []httpserver.ReadinessCheck
	var jobStore store.Store = fsStore

	storeBackend := env.String("CONVEYOR_STORE_BACKEND", "fs")
	if storeBackend == "minio" {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBuckets(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		objStore, err := store.NewObject(client, storeCfg.BucketCache, storeCfg.BucketArtifacts)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		jobStore = objStore
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, client, storeCfg)
			},
		})
	} else if storeBackend != "fs" {
		logger.Error("unknown store backend", "backend", storeBackend)
		os.Exit(2)
	}

	// Run history is optional; the daemon records runs only when a database
	// is configured.
	var db *sql.DB
	var runRepo repo.RunRepository
	if _, ok := os.LookupEnv("DATABASE_URL"); ok {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		runStore := repopg.NewRunStore(db)
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = runStore.EnsureSchema(startupCtx)
		cancel()
		if err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		runRepo = runStore
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}

	resolver := runtimeexec.NewResolver(runtimeexec.ResolverConfig{
		HostTags:      hostTags,
		DefaultImage:  defaultImage,
		DisableDocker: disableDocker,
	})
	jobRunner, err := runner.New(logger, resolver, jobStore, runner.WithDefaultTimeout(jobTimeout))
	if err != nil {
		logger.Error("runner init failed", "error", err)
		os.Exit(2)
	}
	stageScheduler, err := scheduler.New(logger, jobRunner, scheduler.WithMaxParallel(maxParallel))
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		os.Exit(2)
	}

	index := repo.NewMemoryIndex()
	controllerOpts := []controller.Option{
		controller.WithObserver(controller.ObserverFunc(func(_ context.Context, run domain.PipelineRun) {
			index.Put(run)
		})),
	}
	if runRepo != nil {
		recorder := runRepo
		controllerOpts = append(controllerOpts, controller.WithObserver(controller.ObserverFunc(func(ctx context.Context, run domain.PipelineRun) {
			record, execs := repo.FromDomain(run)
			insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := recorder.InsertRun(insertCtx, record, execs); err != nil {
				logger.Error("run history insert failed", "run_id", run.ID, "error", err)
			}
		})))
	}

	notifyCfg, err := notify.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid notify config", "error", err)
		os.Exit(2)
	}
	if notifyCfg.Enabled() {
		notifier, err := notify.New(ctx, logger, notifyCfg)
		if err != nil {
			logger.Error("notifier init failed", "error", err)
			os.Exit(2)
		}
		controllerOpts = append(controllerOpts, controller.WithObserver(notifier))
	}

	pipelineController, err := controller.New(logger, stageScheduler, filepath.Join(fsStore.Root(), "runs"), controllerOpts...)
	if err != nil {
		logger.Error("controller init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	if authCfg.Mode == auth.ModeOIDC {
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("conveyord"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("conveyord", checks...))

	api := newRunAPI(logger, pipelineController, index, runRepo, pipelinesDir, webhookSecret, webhookMaxSkew)
	api.register(mux, authenticator)

	cfg := httpserver.Config{
		Service:         "conveyord",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "conveyord", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
