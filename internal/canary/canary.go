// Package canary compares live canary KPIs against the baseline during a staged rollout.
package canary

import (
	"math"
	"strings"

	"github.com/animus-labs/modelops/internal/domain"
)

const (
	ReasonMissing    = "missing"
	ReasonNoBaseline = "no_baseline"

	DefaultTolerancePct = 5.0
	DefaultPercent      = 10
)

type Verdict struct {
	Canary    *float64 `json:"canary,omitempty"`
	Baseline  *float64 `json:"baseline,omitempty"`
	PctChange *float64 `json:"pct_change,omitempty"`
	Passed    bool     `json:"passed"`
	Reason    string   `json:"reason,omitempty"`
}

type Result struct {
	OK   bool               `json:"all_ok"`
	KPIs map[string]Verdict `json:"kpis"`
}

type Config struct {
	// TolerancePct is the largest allowed regression, in percent of the baseline.
	TolerancePct float64 `yaml:"tolerance_pct"`
	// Percent of traffic routed to the canary.
	Percent int `yaml:"canary_percent"`
	// KPIs to compare; empty compares every KPI the canary reported.
	KPIs []string `yaml:"kpis"`
}

func DefaultConfig() Config {
	return Config{TolerancePct: DefaultTolerancePct, Percent: DefaultPercent}
}

func (c Config) Validate() error {
	cfgErr := &domain.ConfigError{}
	if math.IsNaN(c.TolerancePct) || math.IsInf(c.TolerancePct, 0) || c.TolerancePct < 0 {
		cfgErr.Add("canary.tolerance_pct must be a finite number >= 0")
	}
	if c.Percent < 0 || c.Percent > 100 {
		cfgErr.Add("canary.canary_percent must be within 0..100")
	}
	for i, name := range c.KPIs {
		if strings.TrimSpace(name) == "" {
			cfgErr.Add("canary.kpis[%d] is empty", i)
		}
	}
	return cfgErr.OrNil()
}

// KPINames returns the configured KPIs or the canary's own metric names.
func (c Config) KPINames(canary domain.Metrics) []string {
	if len(c.KPIs) == 0 {
		return canary.Names()
	}
	out := make([]string, 0, len(c.KPIs))
	for _, name := range c.KPIs {
		out = append(out, strings.TrimSpace(name))
	}
	return out
}

// CompareKPIs lets a canary improve without bound but regress by at most tolerancePct
// percent. Missing values and a zero baseline pass automatically.
func CompareKPIs(canary, baseline domain.Metrics, kpis []string, tolerancePct float64) Result {
	result := Result{OK: true, KPIs: make(map[string]Verdict, len(kpis))}
	for _, name := range kpis {
		v := compare(canary, baseline, name, tolerancePct)
		result.KPIs[name] = v
		if !v.Passed {
			result.OK = false
		}
	}
	return result
}

func compare(canary, baseline domain.Metrics, name string, tolerancePct float64) Verdict {
	c, okC := canary[name]
	b, okB := baseline[name]
	if !okC || !okB {
		return Verdict{Passed: true, Reason: ReasonMissing}
	}
	if b == 0 {
		return Verdict{Canary: &c, Baseline: &b, Passed: true, Reason: ReasonNoBaseline}
	}
	pct := (c - b) / b * 100
	return Verdict{
		Canary:    &c,
		Baseline:  &b,
		PctChange: &pct,
		Passed:    pct >= -tolerancePct,
	}
}

// NewSpec builds the routing intent for a canary rollout. A configured percent wins
// over the requested one.
func NewSpec(model, newVersion, currentVersion string, percent int, cfg Config) (domain.CanarySpec, error) {
	if err := domain.ValidateName("model name", model); err != nil {
		return domain.CanarySpec{}, domain.NewConfigError("%v", err)
	}
	if err := domain.ValidateName("new version", newVersion); err != nil {
		return domain.CanarySpec{}, domain.NewConfigError("%v", err)
	}
	if cfg.Percent > 0 {
		percent = cfg.Percent
	}
	if percent <= 0 {
		percent = DefaultPercent
	}
	if percent > 100 {
		return domain.CanarySpec{}, domain.NewConfigError("canary percent %d exceeds 100", percent)
	}
	return domain.CanarySpec{
		ModelName:      model,
		NewVersion:     newVersion,
		CurrentVersion: strings.TrimSpace(currentVersion),
		Percent:        percent,
	}, nil
}
