// Package plugin defines the contract between the lifecycle core and the code that
// actually trains, evaluates and serves a model.
package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/animus-labs/modelops/internal/domain"
)

type TrainInput struct {
	ModelName string
	RunID     string
	DataPath  string
	Params    domain.Params
}

// TrainOutput is persisted by the caller; plugins never write artifacts themselves.
type TrainOutput struct {
	Blob     []byte
	Metadata map[string]any
	Metrics  domain.Metrics
	// Params are the effective hyperparameters, including defaults the plugin filled in.
	Params domain.Params
}

// Model is a verified artifact handed back to a plugin.
type Model struct {
	Name     string
	Version  string
	Blob     []byte
	Metadata map[string]any
}

type Plugin interface {
	Train(ctx context.Context, in TrainInput) (TrainOutput, error)
	Evaluate(ctx context.Context, model Model, evalDataPath string, params domain.Params) (domain.Metrics, error)
	Predict(ctx context.Context, model Model, input map[string]any) (map[string]any, error)
}

// Table maps model names to plugins. It is filled at process start.
type Table struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewTable() *Table {
	return &Table{plugins: map[string]Plugin{}}
}

func (t *Table) Register(model string, p Plugin) error {
	model = strings.TrimSpace(model)
	if err := domain.ValidateName("model name", model); err != nil {
		return domain.NewConfigError("register plugin: %v", err)
	}
	if p == nil {
		return domain.NewConfigError("register plugin %q: plugin is nil", model)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.plugins[model]; ok {
		return domain.NewConfigError("plugin for model %q registered twice", model)
	}
	t.plugins[model] = p
	return nil
}

func (t *Table) Lookup(model string) (Plugin, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.plugins[strings.TrimSpace(model)]
	if !ok {
		return nil, fmt.Errorf("no plugin for model %q: %w", model, domain.ErrNotFound)
	}
	return p, nil
}
