package tracking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/modelops/internal/domain"
)

type fakeMLflow struct {
	mu          sync.Mutex
	requests    map[string][]map[string]any
	auth        []string
	experiments map[string]string
	modelExists bool
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{requests: map[string][]map[string]any{}, experiments: map[string]string{}}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoint := strings.TrimPrefix(r.URL.Path, apiPrefix)
	var body map[string]any
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
	}
	f.requests[endpoint] = append(f.requests[endpoint], body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	w.Header().Set("Content-Type", "application/json")
	switch endpoint {
	case "experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no experiment"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"experiment": map[string]any{"experiment_id": id}})
	case "experiments/create":
		f.experiments[body["name"].(string)] = "7"
		_, _ = io.WriteString(w, `{"experiment_id":"7"}`)
	case "runs/create":
		_, _ = io.WriteString(w, `{"run":{"info":{"run_id":"remote-123"}}}`)
	case "runs/log-batch":
		_, _ = io.WriteString(w, `{}`)
	case "registered-models/create":
		if f.modelExists {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error_code":"RESOURCE_ALREADY_EXISTS","message":"exists"}`)
			return
		}
		f.modelExists = true
		_, _ = io.WriteString(w, `{}`)
	case "model-versions/create":
		_, _ = io.WriteString(w, `{"model_version":{"version":"3"}}`)
	case "model-versions/transition-stage":
		_, _ = io.WriteString(w, `{}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeMLflow) calls(endpoint string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[endpoint]
}

type fakeObjectStore struct {
	objects map[string]string
}

func (s *fakeObjectStore) Key(parts ...string) string {
	return "runs/" + strings.Join(parts, "/")
}

func (s *fakeObjectStore) URI(key string) string { return "s3://bucket/" + key }

func (s *fakeObjectStore) PutObject(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = string(raw)
	return nil
}

func newTestClient(t *testing.T, srv *httptest.Server, store ObjectStore) *MLflowClient {
	t.Helper()
	c, err := NewMLflowClient(context.Background(), MLflowConfig{URL: srv.URL, Token: "secret"}, store, nil)
	require.NoError(t, err)
	return c
}

func TestStartRunCreatesExperimentOnce(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	ref, err := c.StartRun(ctx, "fraud", "run_a", map[string]string{"model_name": "fraud"})
	require.NoError(t, err)
	assert.Equal(t, "remote-123", ref)
	_, err = c.StartRun(ctx, "fraud", "run_b", nil)
	require.NoError(t, err)

	assert.Len(t, fake.calls("experiments/create"), 1)
	assert.Len(t, fake.calls("experiments/get-by-name"), 1)
	runs := fake.calls("runs/create")
	require.Len(t, runs, 2)
	assert.Equal(t, "7", runs[0]["experiment_id"])
	assert.Equal(t, "run_a", runs[0]["run_name"])
	assert.Contains(t, fake.auth, "Bearer secret")
}

func TestLogParamsAndMetrics(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	require.NoError(t, c.LogParams(ctx, "remote-123", domain.Params{"threshold": "0.5"}))
	require.NoError(t, c.LogMetrics(ctx, "remote-123", domain.Metrics{"accuracy": 0.9, "auc": 0.8}))

	batches := fake.calls("runs/log-batch")
	require.Len(t, batches, 2)
	assert.Equal(t, "remote-123", batches[0]["run_id"])
	metrics := batches[1]["metrics"].([]any)
	require.Len(t, metrics, 2)
	assert.Equal(t, "accuracy", metrics[0].(map[string]any)["key"])
}

func TestRegisterModelVersionToleratesExistingModel(t *testing.T) {
	fake := newFakeMLflow()
	fake.modelExists = true
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	version, err := c.RegisterModelVersion(context.Background(), "s3://bucket/runs/remote-123/artifacts", "fraud", "remote-123")
	require.NoError(t, err)
	assert.Equal(t, "3", version)

	created := fake.calls("model-versions/create")
	require.Len(t, created, 1)
	assert.Equal(t, "s3://bucket/runs/remote-123/artifacts", created[0]["source"])

	require.NoError(t, c.TransitionStage(context.Background(), "fraud", version, domain.StageProd))
	transitions := fake.calls("model-versions/transition-stage")
	require.Len(t, transitions, 1)
	assert.Equal(t, "Production", transitions[0]["stage"])
	assert.Equal(t, true, transitions[0]["archive_existing_versions"])
}

func TestLogArtifactsUploadsDirectory(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	store := &fakeObjectStore{objects: map[string]string{}}
	c := newTestClient(t, srv, store)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.bin"), []byte("blob"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checksum.sha256"), []byte("sha256:x\n"), 0o644))

	uri, err := c.LogArtifacts(context.Background(), "remote-123", dir)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/remote-123/artifacts", uri)
	assert.Equal(t, "blob", store.objects["runs/remote-123/artifacts/model.bin"])
	assert.Len(t, store.objects, 2)
}

func TestLogArtifactsWithoutStore(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.LogArtifacts(context.Background(), "remote-123", t.TempDir())
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&APIError{StatusCode: http.StatusBadRequest}))
	assert.False(t, IsPermanent(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsPermanent(&APIError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsPermanent(io.ErrUnexpectedEOF))
	assert.True(t, IsPermanent(context.Canceled))
}

func TestNewMLflowClientRequiresURL(t *testing.T) {
	_, err := NewMLflowClient(context.Background(), MLflowConfig{}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfig)
}
