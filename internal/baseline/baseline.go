// Package baseline persists the metrics of the model currently in production.
package baseline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
)

// Record is the on-disk form of baselines/<model>.json.
type Record struct {
	ModelName string         `json:"model_name"`
	Metrics   domain.Metrics `json:"metrics"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Store struct {
	dir      string
	defaults map[string]domain.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore reads and writes baselines under dir. defaults maps a baseline name to the
// metrics used when no promotion has happened yet.
func NewStore(dir string, defaults map[string]domain.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{dir: dir, defaults: defaults, logger: logger, now: time.Now}
}

func (s *Store) path(model string) string {
	return filepath.Join(s.dir, model+".json")
}

// GetBaselineMetrics returns the persisted baseline, then the named default, then an
// empty map. An empty map means every gated metric passes with no_baseline.
func (s *Store) GetBaselineMetrics(ctx context.Context, model, baselineName string) domain.Metrics {
	if err := domain.ValidateName("model name", model); err == nil && ctx.Err() == nil {
		var rec Record
		err := fsutil.ReadJSON(s.path(model), &rec)
		switch {
		case err == nil && len(rec.Metrics) > 0:
			return rec.Metrics.Clone()
		case err != nil && !errors.Is(err, os.ErrNotExist):
			s.logger.Warn("baseline unreadable; falling back to defaults", "model", model, "error", err)
		}
	}
	if m, ok := s.defaults[baselineName]; ok {
		return m.Clone()
	}
	return domain.Metrics{}
}

// SetBaseline atomically replaces the persisted baseline of model.
func (s *Store) SetBaseline(ctx context.Context, model string, metrics domain.Metrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateName("model name", model); err != nil {
		return domain.NewConfigError("%v", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	rec := Record{ModelName: model, Metrics: metrics.Clone(), UpdatedAt: s.now().UTC()}
	if rec.Metrics == nil {
		rec.Metrics = domain.Metrics{}
	}
	if err := fsutil.WriteJSONAtomic(s.path(model), rec); err != nil {
		return err
	}
	s.logger.Info("baseline updated", "model", model, "metrics", len(rec.Metrics))
	return nil
}

// Get returns the persisted record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, model string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	if err := fsutil.ReadJSON(s.path(model), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, domain.ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}
