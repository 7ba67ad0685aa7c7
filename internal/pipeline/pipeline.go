// Package pipeline runs the train, evaluate and predict flows of a model through its
// plugin, the artifact store and the run registry.
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/modelops/internal/artifacts"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/gate"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/plugin"
	"github.com/animus-labs/modelops/internal/registry"
)

const (
	ArtifactDir = "artifact"
	MetricsFile = "metrics.json"
	ParamsFile  = "params.json"
	MetaFile    = "meta.json"
)

type BaselineReader interface {
	GetBaselineMetrics(ctx context.Context, model, baselineName string) domain.Metrics
}

type DeployedLoader interface {
	Deployed(ctx context.Context, model string, stage domain.Stage) (domain.DeploymentRecord, artifacts.LoadResult, error)
}

type Deps struct {
	Plugins   *plugin.Table
	Artifacts *artifacts.Store
	Registry  registry.Registry
	Baselines BaselineReader
	// Deployed is only needed by Predict.
	Deployed DeployedLoader
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Pipeline struct {
	runsDir      string
	autoRegister bool
	deps         Deps
	logger       *slog.Logger
	now          func() time.Time
}

// New stores run outputs under runsDir. With autoRegister, freshly trained runs are
// registered to staging on a best-effort basis.
func New(runsDir string, autoRegister bool, deps Deps) (*Pipeline, error) {
	if strings.TrimSpace(runsDir) == "" {
		return nil, domain.NewConfigError("runs dir is required")
	}
	if deps.Plugins == nil || deps.Artifacts == nil || deps.Registry == nil || deps.Baselines == nil {
		return nil, errors.New("pipeline: plugins, artifacts, registry and baselines are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{runsDir: runsDir, autoRegister: autoRegister, deps: deps, logger: logger, now: time.Now}, nil
}

type TrainRequest struct {
	Model     string
	RunID     string
	DataPath  string
	DatasetID string
	Params    domain.Params
}

type TrainResult struct {
	Run               domain.Run
	RegisteredVersion string
}

// NewRunID returns a short random run id.
func NewRunID() string {
	return uuid.NewString()[:8]
}

func (p *Pipeline) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	impl, err := p.deps.Plugins.Lookup(req.Model)
	if err != nil {
		return TrainResult{}, err
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = NewRunID()
	}
	if err := domain.ValidateName("run id", runID); err != nil {
		return TrainResult{}, domain.NewConfigError("%v", err)
	}
	if strings.TrimSpace(req.DataPath) == "" {
		return TrainResult{}, domain.NewConfigError("train data path is required")
	}
	logger := p.logger.With("model", req.Model, "run_id", runID)

	out, err := impl.Train(ctx, plugin.TrainInput{ModelName: req.Model, RunID: runID, DataPath: req.DataPath, Params: req.Params.Clone()})
	if err != nil {
		return TrainResult{}, fmt.Errorf("train %s: %w", req.Model, err)
	}
	params := req.Params.Clone()
	if params == nil {
		params = domain.Params{}
	}
	for k, v := range out.Params {
		params[k] = v
	}
	if out.Metrics == nil {
		out.Metrics = domain.Metrics{}
	}

	createdAt := p.now().UTC()
	runDir := p.RunDir(req.Model, runID)
	artifactPath := filepath.Join(runDir, ArtifactDir)
	if err := p.publishRun(ctx, runDir, artifacts.Bundle{Blob: out.Blob, Metadata: out.Metadata}, out.Metrics, params, map[string]any{
		"run_id":        runID,
		"model_name":    req.Model,
		"dataset_id":    req.DatasetID,
		"data_path":     req.DataPath,
		"artifact_path": artifactPath,
		"created_at":    createdAt,
	}); err != nil {
		return TrainResult{}, err
	}

	run := domain.Run{
		RunID:       runID,
		ModelName:   req.Model,
		DatasetID:   req.DatasetID,
		Params:      params,
		Metrics:     out.Metrics,
		ArtifactRef: artifactPath,
		CreatedAt:   createdAt,
	}
	ref, err := p.deps.Registry.LogRun(ctx, run)
	if err != nil {
		return TrainResult{}, fmt.Errorf("log run: %w", err)
	}
	run.RemoteRef = ref
	logger.Info("run trained", "artifact_path", artifactPath, "metrics", out.Metrics, "remote_ref", ref)

	result := TrainResult{Run: run}
	if p.autoRegister && ref != "" {
		version, err := p.deps.Registry.RegisterRun(ctx, req.Model, runID, domain.StageStaging)
		if err != nil {
			logger.Warn("auto registration skipped", "error", err)
		} else {
			result.RegisteredVersion = version
		}
	}
	return result, nil
}

// RunDir is the published directory of one run. Run ids are unique per model only.
func (p *Pipeline) RunDir(model, runID string) string {
	return filepath.Join(p.runsDir, model, runID)
}

// publishRun stages the artifact and the run files in one generation and publishes
// them together, so a reader never sees files from two trainings mixed.
func (p *Pipeline) publishRun(ctx context.Context, runDir string, bundle artifacts.Bundle, m domain.Metrics, params domain.Params, meta map[string]any) error {
	staged, err := fsutil.StageDir(runDir)
	if err != nil {
		return fmt.Errorf("stage run: %w", err)
	}
	if _, err := p.deps.Artifacts.Save(ctx, filepath.Join(staged, ArtifactDir), bundle); err != nil {
		fsutil.Discard(staged)
		return fmt.Errorf("save artifact: %w", err)
	}
	files := []struct {
		name string
		v    any
	}{{MetricsFile, m}, {ParamsFile, params}, {MetaFile, meta}}
	for _, f := range files {
		data, err := fsutil.MarshalJSON(f.v)
		if err == nil {
			err = fsutil.WriteFileSynced(filepath.Join(staged, f.name), data, 0o644)
		}
		if err != nil {
			fsutil.Discard(staged)
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	pub, err := fsutil.PublishDir(staged, runDir)
	if err != nil {
		fsutil.Discard(staged)
		return fmt.Errorf("publish run: %w", err)
	}
	if err := pub.Commit(); err != nil {
		p.logger.Warn("run generation cleanup failed", "path", runDir, "error", err)
	}
	return nil
}

type EvalRequest struct {
	Model        string
	RunID        string
	EvalDataPath string
	Gate         gate.Config
}

// Report is the evaluation outcome. A failed gate is data, not an error.
type Report struct {
	Model    string         `json:"model_name"`
	RunID    string         `json:"run_id"`
	Metrics  domain.Metrics `json:"metrics"`
	Baseline domain.Metrics `json:"baseline_metrics"`
	Gate     gate.Result    `json:"gate"`
}

func (p *Pipeline) Evaluate(ctx context.Context, req EvalRequest) (Report, error) {
	if err := req.Gate.Validate(); err != nil {
		return Report{}, err
	}
	if strings.TrimSpace(req.EvalDataPath) == "" {
		return Report{}, domain.NewConfigError("eval data path is required")
	}
	impl, err := p.deps.Plugins.Lookup(req.Model)
	if err != nil {
		return Report{}, err
	}
	run, err := p.deps.Registry.GetRun(ctx, req.Model, req.RunID)
	if err != nil {
		return Report{}, err
	}
	artifactPath := run.ArtifactRef
	if artifactPath == "" {
		artifactPath = filepath.Join(p.RunDir(req.Model, req.RunID), ArtifactDir)
	}
	bundle, err := p.deps.Artifacts.LoadVerified(ctx, artifactPath)
	if err != nil {
		return Report{}, err
	}

	model := plugin.Model{Name: req.Model, Version: req.RunID, Blob: bundle.Blob, Metadata: bundle.Metadata}
	evalMetrics, err := impl.Evaluate(ctx, model, req.EvalDataPath, run.Params)
	if err != nil {
		return Report{}, fmt.Errorf("evaluate %s/%s: %w", req.Model, req.RunID, err)
	}
	if evalMetrics == nil {
		evalMetrics = domain.Metrics{}
	}

	baseline := p.deps.Baselines.GetBaselineMetrics(ctx, req.Model, req.Gate.Baseline)
	result := gate.Evaluate(evalMetrics, baseline, req.Gate.MetricNames(evalMetrics), req.Gate.MinDelta)
	p.deps.Metrics.ObserveGate(req.Model, result.Passed)
	p.logger.Info("gate evaluated", "model", req.Model, "run_id", req.RunID, "passed", result.Passed, "failing", result.Failing())

	return Report{Model: req.Model, RunID: req.RunID, Metrics: evalMetrics, Baseline: baseline, Gate: result}, nil
}

// Predict serves a prediction from the artifact deployed to stage.
func (p *Pipeline) Predict(ctx context.Context, model string, stage domain.Stage, input map[string]any) (map[string]any, error) {
	impl, deployed, err := p.deployedModel(ctx, model, stage)
	if err != nil {
		return nil, err
	}
	out, err := impl.Predict(ctx, deployed, input)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", model, err)
	}
	return out, nil
}

// PredictBatch reads CSV rows from in, predicts each one with the artifact deployed to
// stage and writes the input columns followed by the prediction fields to out. The
// prediction columns are fixed by the first row. It returns the number of rows written.
func (p *Pipeline) PredictBatch(ctx context.Context, model string, stage domain.Stage, in io.Reader, out io.Writer) (int, error) {
	impl, deployed, err := p.deployedModel(ctx, model, stage)
	if err != nil {
		return 0, err
	}
	r := csv.NewReader(in)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, domain.NewConfigError("batch input has no header")
	}
	if err != nil {
		return 0, fmt.Errorf("read batch header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	w := csv.NewWriter(out)
	var fields []string
	rows := 0
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read batch line %d: %w", line, err)
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			row[name] = strings.TrimSpace(rec[i])
		}
		pred, err := impl.Predict(ctx, deployed, row)
		if err != nil {
			return rows, fmt.Errorf("predict %s line %d: %w", model, line, err)
		}
		if fields == nil {
			if fields, err = predictionFields(header, pred); err != nil {
				return rows, err
			}
			if err := w.Write(append(append([]string(nil), header...), fields...)); err != nil {
				return rows, fmt.Errorf("write batch header: %w", err)
			}
		}
		outRec := append([]string(nil), rec...)
		for _, f := range fields {
			v, ok := pred[f]
			if !ok {
				outRec = append(outRec, "")
				continue
			}
			outRec = append(outRec, formatCell(v))
			delete(pred, f)
		}
		if len(pred) > 0 {
			extra := make([]string, 0, len(pred))
			for k := range pred {
				extra = append(extra, k)
			}
			sort.Strings(extra)
			return rows, fmt.Errorf("predict %s line %d: fields %v not in the output header", model, line, extra)
		}
		if err := w.Write(outRec); err != nil {
			return rows, fmt.Errorf("write batch line %d: %w", line, err)
		}
		rows++
	}
	if fields == nil {
		if err := w.Write(header); err != nil {
			return 0, fmt.Errorf("write batch header: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return rows, fmt.Errorf("write batch output: %w", err)
	}
	p.logger.Info("batch predicted", "model", model, "stage", stage.String(), "rows", rows)
	return rows, nil
}

func (p *Pipeline) deployedModel(ctx context.Context, model string, stage domain.Stage) (plugin.Plugin, plugin.Model, error) {
	if p.deps.Deployed == nil {
		return nil, plugin.Model{}, errors.New("pipeline: no deployment reader configured")
	}
	impl, err := p.deps.Plugins.Lookup(model)
	if err != nil {
		return nil, plugin.Model{}, err
	}
	rec, bundle, err := p.deps.Deployed.Deployed(ctx, model, stage)
	if err != nil {
		return nil, plugin.Model{}, err
	}
	return impl, plugin.Model{Name: model, Version: rec.Version, Blob: bundle.Blob, Metadata: bundle.Metadata}, nil
}

func predictionFields(header []string, pred map[string]any) ([]string, error) {
	taken := make(map[string]struct{}, len(header))
	for _, name := range header {
		taken[name] = struct{}{}
	}
	fields := make([]string, 0, len(pred))
	for k := range pred {
		if _, ok := taken[k]; ok {
			return nil, domain.NewConfigError("prediction field %q collides with an input column", k)
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields, nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
