// Package registry records training runs and, when a tracking server is configured,
// mirrors them remotely and registers model versions there.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/tracking"
)

const (
	BackendLocal  = "local"
	BackendMLflow = "mlflow"
)

// Registry is chosen once at startup; callers never branch on the backend.
type Registry interface {
	// LogRun upserts a run. Nil maps and empty strings leave stored values untouched.
	// The returned remote ref is empty when the run was not mirrored.
	LogRun(ctx context.Context, run domain.Run) (string, error)
	// GetRun returns ErrNotFound together with a partial run for unknown runs.
	GetRun(ctx context.Context, model, runID string) (domain.Run, error)
	// ListRuns returns the most recently logged runs first.
	ListRuns(ctx context.Context, model string, limit int) ([]domain.Run, error)
	// RegisterRun registers a model version remotely and moves it to stage.
	RegisterRun(ctx context.Context, model, runID string, stage domain.Stage) (string, error)
}

type RemoteConfig struct {
	// Timeout bounds each remote call.
	Timeout time.Duration
	// MaxElapsed bounds all retries of one remote operation.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 30 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	return c
}

type Config struct {
	Backend string
	// Dir is the registry root holding <model>/<run_id> directories.
	Dir    string
	Remote RemoteConfig
}

// New builds the registry for cfg.Backend. client is required for the mlflow backend.
func New(cfg Config, client tracking.Client, logger *slog.Logger, m *metrics.Metrics) (Registry, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, domain.NewConfigError("registry dir is required")
	}
	local := NewLocalIndex(cfg.Dir, logger)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		return local, nil
	case BackendMLflow:
		if client == nil {
			return nil, domain.NewConfigError("registry backend %q requires a tracking url", cfg.Backend)
		}
		return NewRemoteTrackingService(local, client, cfg.Remote, logger, m), nil
	default:
		return nil, domain.NewConfigError("unknown registry backend %q", cfg.Backend)
	}
}

func notFound(model, runID string) (domain.Run, error) {
	return domain.Run{ModelName: model, RunID: runID}, fmt.Errorf("run %s/%s: %w", model, runID, domain.ErrNotFound)
}
