package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
)

const (
	apiPrefix = "/api/2.0/mlflow/"

	maxParamsPerBatch  = 100
	maxMetricsPerBatch = 1000
)

// ObjectStore receives uploaded artifacts.
type ObjectStore interface {
	Key(parts ...string) string
	URI(key string) string
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (c OAuthConfig) Enabled() bool { return c.TokenURL != "" && c.ClientID != "" }

type MLflowConfig struct {
	URL        string
	Experiment string
	Timeout    time.Duration
	// Token is a static bearer token; OAuth takes precedence when configured.
	Token string
	OAuth OAuthConfig
}

// MLflowClient implements Client against the MLflow REST API.
type MLflowClient struct {
	baseURL    string
	experiment string
	http       *http.Client
	store      ObjectStore
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	experimentIDs map[string]string
}

func NewMLflowClient(ctx context.Context, cfg MLflowConfig, store ObjectStore, logger *slog.Logger) (*MLflowClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, domain.NewConfigError("tracking url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, domain.NewConfigError("tracking url: %v", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	// Token refreshes outlive the constructor's context.
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)
	switch {
	case cfg.OAuth.Enabled():
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		httpClient = cc.Client(tokenCtx)
		httpClient.Timeout = timeout
	case cfg.Token != "":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(tokenCtx, src)
		httpClient.Timeout = timeout
	}

	experiment := strings.TrimSpace(cfg.Experiment)
	return &MLflowClient{
		baseURL:       base,
		experiment:    experiment,
		http:          httpClient,
		store:         store,
		logger:        logger,
		now:           time.Now,
		experimentIDs: map[string]string{},
	}, nil
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// experimentName defaults to the model name so runs of one model group together.
func (c *MLflowClient) experimentName(model string) string {
	if c.experiment != "" {
		return c.experiment
	}
	return model
}

func (c *MLflowClient) experimentID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	id, ok := c.experimentIDs[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.call(ctx, http.MethodGet, "experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &got)
	var apiErr *APIError
	switch {
	case err == nil:
		id = got.Experiment.ExperimentID
	case errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST":
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		if err := c.call(ctx, http.MethodPost, "experiments/create", map[string]any{"name": name}, &created); err != nil {
			return "", fmt.Errorf("create experiment %s: %w", name, err)
		}
		id = created.ExperimentID
	default:
		return "", fmt.Errorf("get experiment %s: %w", name, err)
	}
	if id == "" {
		return "", fmt.Errorf("experiment %s: empty id", name)
	}

	c.mu.Lock()
	c.experimentIDs[name] = id
	c.mu.Unlock()
	return id, nil
}

func (c *MLflowClient) StartRun(ctx context.Context, model, runName string, tags map[string]string) (string, error) {
	expID, err := c.experimentID(ctx, c.experimentName(model))
	if err != nil {
		return "", err
	}
	req := map[string]any{
		"experiment_id": expID,
		"run_name":      runName,
		"start_time":    c.now().UnixMilli(),
		"tags":          sortedTags(tags),
	}
	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/create", req, &resp); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if resp.Run.Info.RunID == "" {
		return "", errors.New("create run: empty run id")
	}
	return resp.Run.Info.RunID, nil
}

func (c *MLflowClient) LogParams(ctx context.Context, ref string, params domain.Params) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for start := 0; start < len(keys); start += maxParamsPerBatch {
		end := min(start+maxParamsPerBatch, len(keys))
		batch := make([]tag, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, tag{Key: k, Value: params[k]})
		}
		if err := c.call(ctx, http.MethodPost, "runs/log-batch", map[string]any{"run_id": ref, "params": batch}, nil); err != nil {
			return fmt.Errorf("log params: %w", err)
		}
	}
	return nil
}

func (c *MLflowClient) LogMetrics(ctx context.Context, ref string, metrics domain.Metrics) error {
	names := metrics.Names()
	ts := c.now().UnixMilli()
	for start := 0; start < len(names); start += maxMetricsPerBatch {
		end := min(start+maxMetricsPerBatch, len(names))
		batch := make([]metric, 0, end-start)
		for _, name := range names[start:end] {
			batch = append(batch, metric{Key: name, Value: metrics[name], Timestamp: ts})
		}
		if err := c.call(ctx, http.MethodPost, "runs/log-batch", map[string]any{"run_id": ref, "metrics": batch}, nil); err != nil {
			return fmt.Errorf("log metrics: %w", err)
		}
	}
	return nil
}

func (c *MLflowClient) LogArtifacts(ctx context.Context, ref, dir string) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("log artifacts: no artifact store configured: %w", domain.ErrBackendUnavailable)
	}
	root, err := fsutil.ResolveDir(dir)
	if err != nil {
		return "", fmt.Errorf("log artifacts: %w", err)
	}
	prefix := c.store.Key(ref, "artifacts")
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return c.upload(ctx, path, prefix+"/"+filepath.ToSlash(rel))
	})
	if err != nil {
		return "", fmt.Errorf("log artifacts: %w", err)
	}
	return c.store.URI(prefix), nil
}

func (c *MLflowClient) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	return c.store.PutObject(ctx, key, f, info.Size(), contentType)
}

// RegisterModelVersion creates the registered model when needed and a new version
// pointing at artifactURI.
func (c *MLflowClient) RegisterModelVersion(ctx context.Context, artifactURI, model, ref string) (string, error) {
	err := c.call(ctx, http.MethodPost, "registered-models/create", map[string]any{"name": model}, nil)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return "", fmt.Errorf("create registered model: %w", err)
	}
	req := map[string]any{"name": model, "source": artifactURI}
	if ref != "" {
		req["run_id"] = ref
	}
	var resp struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "model-versions/create", req, &resp); err != nil {
		return "", fmt.Errorf("create model version: %w", err)
	}
	if resp.ModelVersion.Version == "" {
		return "", errors.New("create model version: empty version")
	}
	return resp.ModelVersion.Version, nil
}

func (c *MLflowClient) TransitionStage(ctx context.Context, model, version string, stage domain.Stage) error {
	req := map[string]any{
		"name":                      model,
		"version":                   version,
		"stage":                     mlflowStage(stage),
		"archive_existing_versions": stage == domain.StageProd,
	}
	if err := c.call(ctx, http.MethodPost, "model-versions/transition-stage", req, nil); err != nil {
		return fmt.Errorf("transition stage: %w", err)
	}
	return nil
}

func mlflowStage(stage domain.Stage) string {
	if stage == domain.StageProd {
		return "Production"
	}
	return "Staging"
}

func (c *MLflowClient) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.ErrorCode != "" {
			apiErr.Code = eb.ErrorCode
			apiErr.Message = eb.Message
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func sortedTags(tags map[string]string) []tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, tag{Key: k, Value: tags[k]})
	}
	return out
}
