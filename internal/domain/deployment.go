package domain

import (
	"errors"
	"time"
)

// DeploymentRecord describes what is currently deployed in a (model, stage) slot.
type DeploymentRecord struct {
	ModelName    string    `json:"model_name"`
	Version      string    `json:"version"`
	Stage        Stage     `json:"stage"`
	ArtifactPath string    `json:"artifact_path"`
	DeployedAt   time.Time `json:"deployed_at"`
}

func (d DeploymentRecord) Validate() error {
	if err := ValidateName("model name", d.ModelName); err != nil {
		return err
	}
	if err := ValidateName("version", d.Version); err != nil {
		return err
	}
	if !d.Stage.Valid() {
		return errors.New("invalid stage")
	}
	return nil
}

// CanarySpec is a routing intent for a partial rollout; enforcement belongs to the traffic layer.
type CanarySpec struct {
	ModelName      string `json:"model_name"`
	NewVersion     string `json:"new_version"`
	CurrentVersion string `json:"current_version"`
	Percent        int    `json:"canary_percent"`
}

// ServingSpec is the declarative description handed to an orchestration layer.
type ServingSpec struct {
	ModelName    string            `json:"model_name"`
	Version      string            `json:"version"`
	ArtifactPath string            `json:"artifact_path"`
	Stage        Stage             `json:"target"`
	Replicas     int               `json:"replicas"`
	Env          map[string]string `json:"env"`
}
