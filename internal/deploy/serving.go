package deploy

import "github.com/animus-labs/modelops/internal/domain"

const (
	DefaultStagingReplicas = 1
	DefaultProdReplicas    = 2
)

type Config struct {
	StagingReplicas int `yaml:"staging_replicas"`
	ProdReplicas    int `yaml:"prod_replicas"`
	// Lock selects the slot locker: "file" or "postgres".
	Lock string `yaml:"lock"`
}

func DefaultConfig() Config {
	return Config{StagingReplicas: DefaultStagingReplicas, ProdReplicas: DefaultProdReplicas, Lock: "file"}
}

func (c Config) Validate() error {
	cfgErr := &domain.ConfigError{}
	if c.StagingReplicas < 0 {
		cfgErr.Add("deploy.staging_replicas must be >= 0")
	}
	if c.ProdReplicas < 0 {
		cfgErr.Add("deploy.prod_replicas must be >= 0")
	}
	switch c.Lock {
	case "", "file", "postgres":
	default:
		cfgErr.Add("deploy.lock must be file or postgres, got %q", c.Lock)
	}
	return cfgErr.OrNil()
}

// GetServingSpec describes what an orchestrator should run for a deployed version.
// Replica counts are taken as configured; an explicit 0 scales the stage to zero.
func GetServingSpec(model, version, artifactPath string, stage domain.Stage, cfg Config) domain.ServingSpec {
	replicas := cfg.StagingReplicas
	if stage == domain.StageProd {
		replicas = cfg.ProdReplicas
	}
	return domain.ServingSpec{
		ModelName:    model,
		Version:      version,
		ArtifactPath: artifactPath,
		Stage:        stage,
		Replicas:     replicas,
		Env: map[string]string{
			"MODEL_NAME":    model,
			"MODEL_VERSION": version,
			"ARTIFACT_PATH": artifactPath,
		},
	}
}
