package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/animus-labs/modelops/internal/artifacts"
	"github.com/animus-labs/modelops/internal/baseline"
	"github.com/animus-labs/modelops/internal/config"
	"github.com/animus-labs/modelops/internal/deploy"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/lock"
	"github.com/animus-labs/modelops/internal/pipeline"
	"github.com/animus-labs/modelops/internal/platform/auditlog"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/platform/objectstore"
	"github.com/animus-labs/modelops/internal/platform/postgres"
	"github.com/animus-labs/modelops/internal/plugin"
	"github.com/animus-labs/modelops/internal/plugin/threshold"
	"github.com/animus-labs/modelops/internal/registry"
	"github.com/animus-labs/modelops/internal/tracking"
)

// plugins is the static table of plugin implementations selectable by config.
var plugins = map[string]func() plugin.Plugin{
	"threshold": func() plugin.Plugin { return threshold.New() },
}

// app is the wired component graph for one command invocation.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	plugins   *plugin.Table
	artifacts *artifacts.Store
	registry  registry.Registry
	baselines *baseline.Store
	machine   *deploy.Machine
	pipeline  *pipeline.Pipeline
	db        *sql.DB
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), plugins: plugin.NewTable()}
	if cfg.Model != "" {
		factory, ok := plugins[strings.ToLower(cfg.Plugin)]
		if !ok {
			return nil, domain.NewConfigError("unknown plugin %q for model %q", cfg.Plugin, cfg.Model)
		}
		if err := a.plugins.Register(cfg.Model, factory()); err != nil {
			return nil, err
		}
	}

	if cfg.Postgres.Enabled() {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("database unavailable: %w", err)
		}
		a.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
	}

	client, err := a.trackingClient(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry, err = registry.New(cfg.RegistryConfig(), client, logger, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}

	a.artifacts = artifacts.NewStore(logger, a.metrics)
	a.baselines = baseline.NewStore(cfg.BaselinesDir(), cfg.Eval.Baselines, logger)

	var locker lock.Locker = lock.NewFileLocker(cfg.LocksDir())
	var audit auditlog.Appender = auditlog.NewNDJSONAppender(cfg.AuditPath())
	if a.db != nil {
		audit = auditlog.NewPostgresAppender(a.db)
		if cfg.Deploy.Lock == "postgres" {
			locker = lock.NewPostgresLocker(a.db)
		}
	}
	a.machine, err = deploy.NewMachine(cfg.DeploymentsDir(), deploy.Deps{
		Runs:      a.registry,
		Artifacts: a.artifacts,
		Baselines: a.baselines,
		Locker:    locker,
		Audit:     audit,
		Logger:    logger,
		Metrics:   a.metrics,
		Actor:     actor(),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.pipeline, err = pipeline.New(cfg.RunsDir(), cfg.Registry.AutoRegister, pipeline.Deps{
		Plugins:   a.plugins,
		Artifacts: a.artifacts,
		Registry:  a.registry,
		Baselines: a.baselines,
		Deployed:  a.machine,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// trackingClient returns nil for the local backend.
func (a *app) trackingClient(ctx context.Context) (tracking.Client, error) {
	if !strings.EqualFold(a.cfg.Registry.Backend, registry.BackendMLflow) {
		return nil, nil
	}
	var store tracking.ObjectStore
	if a.cfg.ObjectStoreEnabled {
		mc, err := objectstore.NewMinIOClient(a.cfg.ObjectStore)
		if err != nil {
			return nil, domain.NewConfigError("object store: %v", err)
		}
		if err := objectstore.EnsureBucket(ctx, mc, a.cfg.ObjectStore); err != nil {
			a.logger.Warn("artifact bucket unavailable; runs will be mirrored without artifacts", "error", err)
		} else {
			store = objectstore.NewStore(mc, a.cfg.ObjectStore)
		}
	}
	client, err := tracking.NewMLflowClient(ctx, a.cfg.MLflowConfig(), store, a.logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
}

func actor() string {
	for _, key := range []string{"MODELOPS_ACTOR", "USER"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "modelctl"
}

// readyChecks probes the dependencies serve relies on.
func (a *app) readyChecks(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.Root); err != nil {
		return err
	}
	if a.db != nil {
		return a.db.PingContext(ctx)
	}
	return nil
}
