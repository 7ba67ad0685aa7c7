package registry

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/tracking"
)

type fakeTracking struct {
	mu          sync.Mutex
	startErrs   []error
	startCalls  int
	registerErr error
	artifacts   []string
	transitions []domain.Stage
	uris        []string
}

func (f *fakeTracking) StartRun(context.Context, string, string, map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return "", err
	}
	return "remote-1", nil
}

func (f *fakeTracking) LogParams(context.Context, string, domain.Params) error   { return nil }
func (f *fakeTracking) LogMetrics(context.Context, string, domain.Metrics) error { return nil }

func (f *fakeTracking) LogArtifacts(_ context.Context, ref, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, dir)
	return "s3://bucket/runs/" + ref + "/artifacts", nil
}

func (f *fakeTracking) RegisterModelVersion(_ context.Context, uri, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, uri)
	if f.registerErr != nil {
		return "", f.registerErr
	}
	return "4", nil
}

func (f *fakeTracking) TransitionStage(_ context.Context, _, _ string, stage domain.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, stage)
	return nil
}

func newRemote(t *testing.T, client tracking.Client, m *metrics.Metrics) *RemoteTrackingService {
	t.Helper()
	local := NewLocalIndex(filepath.Join(t.TempDir(), "registry"), nil)
	local.now = steppingClock()
	cfg := RemoteConfig{Timeout: time.Second, MaxElapsed: 200 * time.Millisecond, InitialInterval: time.Millisecond}
	return NewRemoteTrackingService(local, client, cfg, nil, m)
}

func TestRemoteLogRunStoresRef(t *testing.T) {
	ctx := context.Background()
	client := &fakeTracking{startErrs: []error{&tracking.APIError{StatusCode: http.StatusServiceUnavailable}}}
	svc := newRemote(t, client, nil)

	ref, err := svc.LogRun(ctx, domain.Run{ModelName: "fraud", RunID: "run_a", Metrics: domain.Metrics{"accuracy": 0.9}, ArtifactRef: "runs/run_a/artifact"})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", ref)
	assert.Equal(t, 2, client.startCalls, "a transient failure is retried")

	run, err := svc.GetRun(ctx, "fraud", "run_a")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", run.RemoteRef)
	assert.Equal(t, domain.Metrics{"accuracy": 0.9}, run.Metrics)

	stored, err := svc.local.read("fraud", "run_a")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/remote-1/artifacts", stored.remoteArtifactURI)
}

func TestRemoteLogRunDegradesWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	client := &fakeTracking{startErrs: []error{&tracking.APIError{StatusCode: http.StatusForbidden}}}
	svc := newRemote(t, client, m)

	ref, err := svc.LogRun(ctx, domain.Run{ModelName: "fraud", RunID: "run_a", Metrics: domain.Metrics{"accuracy": 0.9}})
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Equal(t, 1, client.startCalls, "permanent errors are not retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrationSkipped.WithLabelValues("log_run")))

	run, err := svc.GetRun(ctx, "fraud", "run_a")
	require.NoError(t, err)
	assert.Empty(t, run.RemoteRef)

	version, err := svc.RegisterRun(ctx, "fraud", "run_a", domain.StageStaging)
	assert.Empty(t, version)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestRemoteRegisterRun(t *testing.T) {
	ctx := context.Background()
	client := &fakeTracking{}
	svc := newRemote(t, client, nil)

	_, err := svc.LogRun(ctx, domain.Run{ModelName: "fraud", RunID: "run_a", ArtifactRef: "runs/run_a/artifact"})
	require.NoError(t, err)

	version, err := svc.RegisterRun(ctx, "fraud", "run_a", domain.StageProd)
	require.NoError(t, err)
	assert.Equal(t, "4", version)
	assert.Equal(t, []domain.Stage{domain.StageProd}, client.transitions)
	assert.Equal(t, []string{"s3://bucket/runs/remote-1/artifacts"}, client.uris)
}

func TestRemoteRegisterRunFailureWrapsUnavailable(t *testing.T) {
	ctx := context.Background()
	client := &fakeTracking{registerErr: errors.New("connection refused")}
	svc := newRemote(t, client, nil)

	_, err := svc.LogRun(ctx, domain.Run{ModelName: "fraud", RunID: "run_a", ArtifactRef: "runs/run_a/artifact"})
	require.NoError(t, err)

	version, err := svc.RegisterRun(ctx, "fraud", "run_a", domain.StageStaging)
	assert.Empty(t, version)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Empty(t, client.transitions)
}

func TestRemoteRegisterUnknownRun(t *testing.T) {
	svc := newRemote(t, &fakeTracking{}, nil)
	_, err := svc.RegisterRun(context.Background(), "fraud", "missing", domain.StageStaging)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
