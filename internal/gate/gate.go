// Package gate decides whether a run's metrics are good enough to promote.
package gate

import (
	"math"
	"sort"
	"strings"

	"github.com/animus-labs/modelops/internal/domain"
)

const (
	ReasonMissingMetric = "missing_metric"
	ReasonNoBaseline    = "no_baseline"
)

// Verdict is the per-metric outcome. Value, Baseline and Delta are nil when the
// comparison could not be made.
type Verdict struct {
	Value    *float64 `json:"value,omitempty"`
	Baseline *float64 `json:"baseline,omitempty"`
	Delta    *float64 `json:"delta,omitempty"`
	Passed   bool     `json:"passed"`
	Reason   string   `json:"reason,omitempty"`
}

// Result aggregates every gated metric. Passed is the AND of all verdicts.
type Result struct {
	Passed  bool               `json:"passed"`
	Metrics map[string]Verdict `json:"metrics"`
}

// Failing returns the sorted names of metrics that did not pass.
func (r Result) Failing() []string {
	var out []string
	for name, v := range r.Metrics {
		if !v.Passed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Config holds the gate thresholds.
type Config struct {
	// MinDelta is the minimum allowed metric - baseline; 0 means no regression allowed.
	MinDelta float64 `yaml:"gate_delta_min"`
	// Metrics to gate on; empty gates on every metric the run reported.
	Metrics []string `yaml:"gate_metrics"`
	// Baseline names the configured default baseline used before any prod promotion.
	Baseline string `yaml:"baseline"`
	// Baselines are named default metric snapshots.
	Baselines map[string]domain.Metrics `yaml:"baselines"`
}

func (c Config) Validate() error {
	cfgErr := &domain.ConfigError{}
	if math.IsNaN(c.MinDelta) || math.IsInf(c.MinDelta, 0) {
		cfgErr.Add("eval.gate_delta_min must be a finite number")
	}
	seen := make(map[string]struct{}, len(c.Metrics))
	for i, name := range c.Metrics {
		name = strings.TrimSpace(name)
		if name == "" {
			cfgErr.Add("eval.gate_metrics[%d] is empty", i)
			continue
		}
		if _, ok := seen[name]; ok {
			cfgErr.Add("eval.gate_metrics[%d] duplicates %q", i, name)
		}
		seen[name] = struct{}{}
	}
	for name, snapshot := range c.Baselines {
		for metric, v := range snapshot {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				cfgErr.Add("eval.baselines.%s.%s must be a finite number", name, metric)
			}
		}
	}
	return cfgErr.OrNil()
}

// MetricNames returns the configured gate metrics or, when none are configured,
// every metric the run reported.
func (c Config) MetricNames(reported domain.Metrics) []string {
	if len(c.Metrics) > 0 {
		out := make([]string, 0, len(c.Metrics))
		for _, name := range c.Metrics {
			out = append(out, strings.TrimSpace(name))
		}
		return out
	}
	return reported.Names()
}

// Evaluate compares metrics to the baseline. A metric missing from the run fails;
// a metric missing from the baseline passes, so an empty baseline never blocks.
func Evaluate(metrics, baseline domain.Metrics, names []string, minDelta float64) Result {
	result := Result{Passed: true, Metrics: make(map[string]Verdict, len(names))}
	for _, name := range names {
		v := evaluateMetric(metrics, baseline, name, minDelta)
		result.Metrics[name] = v
		if !v.Passed {
			result.Passed = false
		}
	}
	return result
}

func evaluateMetric(metrics, baseline domain.Metrics, name string, minDelta float64) Verdict {
	value, ok := metrics[name]
	if !ok {
		return Verdict{Passed: false, Reason: ReasonMissingMetric}
	}
	base, ok := baseline[name]
	if !ok {
		return Verdict{Value: &value, Passed: true, Reason: ReasonNoBaseline}
	}
	delta := value - base
	return Verdict{
		Value:    &value,
		Baseline: &base,
		Delta:    &delta,
		Passed:   delta >= minDelta,
	}
}
