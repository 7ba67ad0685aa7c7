package canary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/modelops/internal/domain"
)

func TestCompareKPIs(t *testing.T) {
	tests := []struct {
		name       string
		canary     domain.Metrics
		baseline   domain.Metrics
		wantOK     bool
		wantReason string
		wantPct    *float64
	}{
		{name: "within tolerance", canary: domain.Metrics{"lat": 96}, baseline: domain.Metrics{"lat": 100}, wantOK: true, wantPct: ptr(-4)},
		{name: "beyond tolerance", canary: domain.Metrics{"lat": 90}, baseline: domain.Metrics{"lat": 100}, wantOK: false, wantPct: ptr(-10)},
		{name: "zero baseline", canary: domain.Metrics{"lat": 100}, baseline: domain.Metrics{"lat": 0}, wantOK: true, wantReason: ReasonNoBaseline},
		{name: "missing canary", canary: domain.Metrics{}, baseline: domain.Metrics{"lat": 100}, wantOK: true, wantReason: ReasonMissing},
		{name: "missing baseline", canary: domain.Metrics{"lat": 50}, baseline: domain.Metrics{}, wantOK: true, wantReason: ReasonMissing},
		{name: "unbounded improvement", canary: domain.Metrics{"lat": 1000}, baseline: domain.Metrics{"lat": 100}, wantOK: true, wantPct: ptr(900)},
		{name: "exactly at tolerance", canary: domain.Metrics{"lat": 95}, baseline: domain.Metrics{"lat": 100}, wantOK: true, wantPct: ptr(-5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CompareKPIs(tt.canary, tt.baseline, []string{"lat"}, 5)
			assert.Equal(t, tt.wantOK, res.OK)
			v := res.KPIs["lat"]
			assert.Equal(t, tt.wantOK, v.Passed)
			assert.Equal(t, tt.wantReason, v.Reason)
			if tt.wantPct != nil {
				require.NotNil(t, v.PctChange)
				assert.InDelta(t, *tt.wantPct, *v.PctChange, 1e-9)
			}
		})
	}
}

func TestCompareKPIsAggregate(t *testing.T) {
	canary := domain.Metrics{"lat": 96, "throughput": 50}
	baseline := domain.Metrics{"lat": 100, "throughput": 100}
	res := CompareKPIs(canary, baseline, []string{"lat", "throughput"}, 5)
	assert.False(t, res.OK)
	assert.True(t, res.KPIs["lat"].Passed)
	assert.False(t, res.KPIs["throughput"].Passed)

	again := CompareKPIs(canary, baseline, []string{"throughput", "lat"}, 5)
	assert.Equal(t, res, again)
}

func TestConfigKPINames(t *testing.T) {
	canary := domain.Metrics{"b": 1, "a": 2}
	assert.Equal(t, []string{"a", "b"}, Config{}.KPINames(canary))
	assert.Equal(t, []string{"b"}, Config{KPIs: []string{"b"}}.KPINames(canary))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	err := Config{TolerancePct: -1, Percent: 101, KPIs: []string{""}}.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Issues, 3)
}

func TestNewSpec(t *testing.T) {
	spec, err := NewSpec("fraud", "run_b", "run_a", 25, Config{})
	require.NoError(t, err)
	assert.Equal(t, domain.CanarySpec{ModelName: "fraud", NewVersion: "run_b", CurrentVersion: "run_a", Percent: 25}, spec)

	spec, err = NewSpec("fraud", "run_b", "run_a", 25, Config{Percent: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, spec.Percent)

	spec, err = NewSpec("fraud", "run_b", "", 0, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPercent, spec.Percent)

	_, err = NewSpec("fraud", "run_b", "run_a", 150, Config{})
	assert.ErrorIs(t, err, domain.ErrConfig)
	_, err = NewSpec("", "run_b", "run_a", 10, Config{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func ptr(v float64) *float64 { return &v }
