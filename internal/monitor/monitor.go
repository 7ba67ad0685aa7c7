// Package monitor keeps bounded windows of serving observations and derives KPIs
// that the canary comparator consumes.
package monitor

import (
	"math"
	"sort"
	"sync"

	"github.com/animus-labs/modelops/internal/domain"
)

const DefaultWindowSize = 1000

const (
	KPIPredictionCount = "prediction_count"
	KPIErrorCount      = "error_count"
	KPILatencyP50      = "latency_p50"
	KPILatencyP99      = "latency_p99"
	// KPISuccessRate is predictions / (predictions + errors); higher is better.
	KPISuccessRate = "success_rate"
)

// ring is a fixed-capacity FIFO that overwrites the oldest value when full.
type ring struct {
	values []float64
	next   int
	full   bool
}

func newRing(size int) ring {
	return ring{values: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.values)
	}
	return r.next
}

func (r *ring) snapshot() []float64 {
	out := make([]float64, r.len())
	copy(out, r.values[:r.len()])
	return out
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	predictions ring
	latencies   ring
	errors      ring
}

func New(windowSize int) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Monitor{
		predictions: newRing(windowSize),
		latencies:   newRing(windowSize),
		errors:      newRing(windowSize),
	}
}

func (m *Monitor) RecordPrediction(value float64) {
	m.mu.Lock()
	m.predictions.push(value)
	m.mu.Unlock()
}

// RecordLatency records a request latency in seconds.
func (m *Monitor) RecordLatency(seconds float64) {
	m.mu.Lock()
	m.latencies.push(seconds)
	m.mu.Unlock()
}

func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.errors.push(1)
	m.mu.Unlock()
}

// KPIs aggregates the current windows. Latency percentiles are present only once a
// latency was recorded; p99 is the window maximum until 100 samples exist.
func (m *Monitor) KPIs() domain.Metrics {
	m.mu.Lock()
	predictions := m.predictions.len()
	errs := m.errors.len()
	latencies := m.latencies.snapshot()
	m.mu.Unlock()

	out := domain.Metrics{
		KPIPredictionCount: float64(predictions),
		KPIErrorCount:      float64(errs),
	}
	if total := predictions + errs; total > 0 {
		out[KPISuccessRate] = float64(predictions) / float64(total)
	}
	if n := len(latencies); n > 0 {
		sort.Float64s(latencies)
		out[KPILatencyP50] = latencies[n/2]
		if n >= 100 {
			out[KPILatencyP99] = latencies[int(0.99*float64(n))]
		} else {
			out[KPILatencyP99] = latencies[n-1]
		}
	}
	return out
}

// Drift is a cheap proxy for prediction drift: moments of the current window compared
// with reference moments.
type Drift struct {
	CurrentMean   float64  `json:"current_mean"`
	CurrentStd    float64  `json:"current_std"`
	ReferenceMean *float64 `json:"reference_mean,omitempty"`
	DeltaMean     *float64 `json:"delta_mean,omitempty"`
	ReferenceStd  *float64 `json:"reference_std,omitempty"`
}

// DriftLite returns false when no prediction was recorded.
func (m *Monitor) DriftLite(referenceMean, referenceStd *float64) (Drift, bool) {
	m.mu.Lock()
	values := m.predictions.snapshot()
	m.mu.Unlock()
	if len(values) == 0 {
		return Drift{}, false
	}

	mean, std := moments(values)
	out := Drift{CurrentMean: mean, CurrentStd: std}
	if referenceMean != nil {
		rm := *referenceMean
		delta := mean - rm
		out.ReferenceMean = &rm
		out.DeltaMean = &delta
	}
	if referenceStd != nil {
		rs := *referenceStd
		out.ReferenceStd = &rs
	}
	return out, true
}

// moments returns the mean and the sample standard deviation.
func moments(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}
