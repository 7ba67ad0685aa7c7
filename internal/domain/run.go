package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Metrics maps metric names to values reported by training or evaluation.
type Metrics map[string]float64

// Clone returns an independent copy; nil stays nil.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the metric names in sorted order.
func (m Metrics) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Params holds the string-keyed hyperparameters of a run.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Run is one training attempt with its metrics, params and artifact reference.
type Run struct {
	RunID       string
	ModelName   string
	DatasetID   string
	Params      Params
	Metrics     Metrics
	ArtifactRef string
	RemoteRef   string
	CreatedAt   time.Time
	LoggedAt    time.Time
}

func (r Run) Validate() error {
	if err := ValidateName("model name", r.ModelName); err != nil {
		return err
	}
	return ValidateName("run id", r.RunID)
}

// ValidateName rejects identifiers that cannot be used as a single path segment.
func ValidateName(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New(field + " is required")
	}
	if value == "." || value == ".." || strings.HasPrefix(value, ".") {
		return errors.New(field + " must not start with a dot")
	}
	if strings.ContainsAny(value, `/\`) {
		return errors.New(field + " must not contain path separators")
	}
	return nil
}
