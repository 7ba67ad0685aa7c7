// Package config loads the operator configuration: config/defaults.yaml, then the optional
// models/<model>/model.yaml merged over it key by key, then MODELOPS_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/modelops/internal/canary"
	"github.com/animus-labs/modelops/internal/deploy"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/gate"
	"github.com/animus-labs/modelops/internal/platform/env"
	"github.com/animus-labs/modelops/internal/platform/objectstore"
	"github.com/animus-labs/modelops/internal/platform/postgres"
	"github.com/animus-labs/modelops/internal/registry"
	"github.com/animus-labs/modelops/internal/tracking"
)

const (
	DefaultsFile   = "config/defaults.yaml"
	ModelFile      = "model.yaml"
	DefaultPlugin  = "threshold"
	defaultTimeout = 10 * time.Second
)

type OAuth struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type Tracking struct {
	URL        string        `yaml:"url"`
	Experiment string        `yaml:"experiment"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	Token      string        `yaml:"token"`
	OAuth      OAuth         `yaml:"oauth"`
}

type Registry struct {
	Backend      string   `yaml:"backend"`
	Dir          string   `yaml:"uri"`
	AutoRegister bool     `yaml:"auto_register"`
	Tracking     Tracking `yaml:"tracking"`
}

type Data struct {
	TrainPath string `yaml:"train_path"`
	EvalPath  string `yaml:"eval_path"`
}

type Artifacts struct {
	Root string `yaml:"root"`
}

// Config is the merged configuration of one model.
type Config struct {
	// Root anchors every relative path below.
	Root      string        `yaml:"-"`
	Model     string        `yaml:"-"`
	Plugin    string        `yaml:"plugin"`
	Params    domain.Params `yaml:"params"`
	Data      Data          `yaml:"data"`
	Artifacts Artifacts     `yaml:"artifacts"`
	Registry  Registry      `yaml:"registry"`
	Eval      gate.Config   `yaml:"eval"`
	Deploy    deploy.Config `yaml:"deploy"`
	Canary    canary.Config `yaml:"canary"`

	// ObjectStore is used for remote artifact upload when ObjectStoreEnabled.
	ObjectStore        objectstore.Config `yaml:"-"`
	ObjectStoreEnabled bool               `yaml:"-"`
	Postgres           postgres.Config    `yaml:"-"`
}

func Default() Config {
	return Config{
		Root:      ".",
		Plugin:    DefaultPlugin,
		Data:      Data{TrainPath: "data/train.csv", EvalPath: "data/eval.csv"},
		Artifacts: Artifacts{Root: "runs"},
		Registry: Registry{
			Backend:  registry.BackendLocal,
			Dir:      "registry",
			Tracking: Tracking{Timeout: defaultTimeout},
		},
		Deploy: deploy.DefaultConfig(),
		Canary: canary.DefaultConfig(),
	}
}

// Load builds the configuration for model (which may be empty) under root. Root is made
// absolute so that paths recorded in the registry do not depend on the working directory.
func Load(root, model string) (Config, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("resolve root: %w", err)
	}
	model = strings.TrimSpace(model)

	merged, err := readYAML(filepath.Join(root, DefaultsFile))
	if err != nil {
		return Config{}, err
	}
	if model != "" {
		if err := domain.ValidateName("model name", model); err != nil {
			return Config{}, domain.NewConfigError("%v", err)
		}
		overlay, err := readYAML(filepath.Join(root, "models", model, ModelFile))
		if err != nil {
			return Config{}, err
		}
		merged = mergeSections(merged, overlay)
	}

	cfg := Default()
	if len(merged) > 0 {
		raw, err := yaml.Marshal(merged)
		if err != nil {
			return Config{}, fmt.Errorf("encode merged config: %w", err)
		}
		if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&cfg); err != nil {
			return Config{}, domain.NewConfigError("decode config: %v", err)
		}
	}
	cfg.Root = root
	cfg.Model = model

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readYAML(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewConfigError("parse %s: %v", path, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// mergeSections overlays top-level keys. Sections that are mappings on both sides are
// merged one level deep; anything else is replaced.
func mergeSections(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		baseSection, okBase := out[k].(map[string]any)
		section, ok := v.(map[string]any)
		if !ok || !okBase {
			out[k] = v
			continue
		}
		combined := make(map[string]any, len(baseSection)+len(section))
		for sk, sv := range baseSection {
			combined[sk] = sv
		}
		for sk, sv := range section {
			combined[sk] = sv
		}
		out[k] = combined
	}
	return out
}

func (c *Config) applyEnv() error {
	cfgErr := &domain.ConfigError{}
	if v, ok := env.Lookup("MODELOPS_REGISTRY_BACKEND"); ok {
		c.Registry.Backend = v
	}
	if v, ok := env.Lookup("MODELOPS_REGISTRY_DIR"); ok {
		c.Registry.Dir = v
	}
	if v, ok := env.Lookup("MODELOPS_ARTIFACTS_ROOT"); ok {
		c.Artifacts.Root = v
	}
	autoRegister, err := env.Bool("MODELOPS_REGISTRY_AUTO_REGISTER", c.Registry.AutoRegister)
	if err != nil {
		cfgErr.Add("%v", err)
	}
	c.Registry.AutoRegister = autoRegister

	t := &c.Registry.Tracking
	if v, ok := env.Lookup("MODELOPS_TRACKING_URL"); ok {
		t.URL = v
	}
	if v, ok := env.Lookup("MODELOPS_TRACKING_EXPERIMENT"); ok {
		t.Experiment = v
	}
	if v, ok := env.Lookup("MODELOPS_TRACKING_TOKEN"); ok {
		t.Token = v
	}
	if t.Timeout, err = env.Duration("MODELOPS_TRACKING_TIMEOUT", t.Timeout); err != nil {
		cfgErr.Add("%v", err)
	}
	if t.MaxElapsed, err = env.Duration("MODELOPS_TRACKING_MAX_ELAPSED", t.MaxElapsed); err != nil {
		cfgErr.Add("%v", err)
	}
	if v, ok := env.Lookup("MODELOPS_OAUTH_TOKEN_URL"); ok {
		t.OAuth.TokenURL = v
	}
	if v, ok := env.Lookup("MODELOPS_OAUTH_CLIENT_ID"); ok {
		t.OAuth.ClientID = v
	}
	if v, ok := env.Lookup("MODELOPS_OAUTH_CLIENT_SECRET"); ok {
		t.OAuth.ClientSecret = v
	}
	t.OAuth.Scopes = env.List("MODELOPS_OAUTH_SCOPES", t.OAuth.Scopes)

	if v, ok := env.Lookup("MODELOPS_DEPLOY_LOCK"); ok {
		c.Deploy.Lock = v
	}
	if c.Eval.MinDelta, err = env.Float("MODELOPS_GATE_DELTA_MIN", c.Eval.MinDelta); err != nil {
		cfgErr.Add("%v", err)
	}
	if c.Canary.TolerancePct, err = env.Float("MODELOPS_CANARY_TOLERANCE_PCT", c.Canary.TolerancePct); err != nil {
		cfgErr.Add("%v", err)
	}

	if _, ok := env.Lookup("MODELOPS_S3_ENDPOINT"); ok {
		store, err := objectstore.ConfigFromEnv()
		if err != nil {
			cfgErr.Add("object store: %v", err)
		}
		c.ObjectStore, c.ObjectStoreEnabled = store, err == nil
	}
	pg, err := postgres.ConfigFromEnv()
	if err != nil {
		cfgErr.Add("postgres: %v", err)
	}
	c.Postgres = pg
	return cfgErr.OrNil()
}

func (c Config) Validate() error {
	cfgErr := &domain.ConfigError{}
	add := func(err error) {
		var nested *domain.ConfigError
		switch {
		case err == nil:
		case errors.As(err, &nested):
			cfgErr.Issues = append(cfgErr.Issues, nested.Issues...)
		default:
			cfgErr.Add("%v", err)
		}
	}
	add(c.Eval.Validate())
	add(c.Deploy.Validate())
	add(c.Canary.Validate())

	if strings.TrimSpace(c.Plugin) == "" {
		cfgErr.Add("plugin is required")
	}
	if strings.TrimSpace(c.Artifacts.Root) == "" {
		cfgErr.Add("artifacts.root is required")
	}
	if strings.TrimSpace(c.Registry.Dir) == "" {
		cfgErr.Add("registry.uri is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Registry.Backend)) {
	case registry.BackendLocal:
	case registry.BackendMLflow:
		if strings.TrimSpace(c.Registry.Tracking.URL) == "" {
			cfgErr.Add("registry.tracking.url is required for the mlflow backend")
		}
	default:
		cfgErr.Add("registry.backend must be %q or %q, got %q", registry.BackendLocal, registry.BackendMLflow, c.Registry.Backend)
	}
	if c.Registry.Tracking.Timeout < 0 || c.Registry.Tracking.MaxElapsed < 0 {
		cfgErr.Add("registry.tracking timeouts must be >= 0")
	}
	if o := c.Registry.Tracking.OAuth; (o.TokenURL == "") != (o.ClientID == "") {
		cfgErr.Add("registry.tracking.oauth needs both token_url and client_id")
	}
	if c.Deploy.Lock == "postgres" && !c.Postgres.Enabled() {
		cfgErr.Add("deploy.lock postgres requires MODELOPS_DATABASE_URL")
	}
	return cfgErr.OrNil()
}

func (c Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c Config) RunsDir() string        { return c.path(c.Artifacts.Root) }
func (c Config) RegistryDir() string    { return c.path(c.Registry.Dir) }
func (c Config) DeploymentsDir() string { return c.path("deployments") }
func (c Config) BaselinesDir() string   { return c.path("baselines") }
func (c Config) LocksDir() string       { return filepath.Join(c.DeploymentsDir(), ".locks") }
func (c Config) AuditPath() string      { return filepath.Join(c.DeploymentsDir(), "audit.ndjson") }

// DataPath resolves a dataset path; an explicit override wins over the configured one.
func (c Config) DataPath(override, configured string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return c.path(configured)
}

func (c Config) RegistryConfig() registry.Config {
	return registry.Config{
		Backend: c.Registry.Backend,
		Dir:     c.RegistryDir(),
		Remote: registry.RemoteConfig{
			Timeout:    c.Registry.Tracking.Timeout,
			MaxElapsed: c.Registry.Tracking.MaxElapsed,
		},
	}
}

func (c Config) MLflowConfig() tracking.MLflowConfig {
	t := c.Registry.Tracking
	return tracking.MLflowConfig{
		URL:        t.URL,
		Experiment: t.Experiment,
		Timeout:    t.Timeout,
		Token:      t.Token,
		OAuth: tracking.OAuthConfig{
			TokenURL:     t.OAuth.TokenURL,
			ClientID:     t.OAuth.ClientID,
			ClientSecret: t.OAuth.ClientSecret,
			Scopes:       t.OAuth.Scopes,
		},
	}
}
