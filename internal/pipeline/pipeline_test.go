package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/modelops/internal/artifacts"
	"github.com/animus-labs/modelops/internal/baseline"
	"github.com/animus-labs/modelops/internal/deploy"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/gate"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
	"github.com/animus-labs/modelops/internal/plugin"
	"github.com/animus-labs/modelops/internal/plugin/threshold"
	"github.com/animus-labs/modelops/internal/registry"
)

const (
	trainCSV   = "amount,label\n1,0\n2,0\n3,0\n10,1\n11,1\n12,1\n"
	inverseCSV = "amount,label\n1,1\n2,1\n3,1\n10,0\n11,0\n12,0\n"
)

type fixture struct {
	root      string
	pipeline  *Pipeline
	reg       *registry.LocalIndex
	baselines *baseline.Store
	machine   *deploy.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	table := plugin.NewTable()
	require.NoError(t, table.Register("fraud", threshold.New()))
	require.NoError(t, table.Register("churn", threshold.New()))

	store := artifacts.NewStore(nil, nil)
	reg := registry.NewLocalIndex(filepath.Join(root, "registry"), nil)
	baselines := baseline.NewStore(filepath.Join(root, "baselines"), map[string]domain.Metrics{"heuristic": {"accuracy": 0.5}}, nil)
	machine, err := deploy.NewMachine(filepath.Join(root, "deployments"), deploy.Deps{Runs: reg, Artifacts: store, Baselines: baselines})
	require.NoError(t, err)

	p, err := New(filepath.Join(root, "runs"), true, Deps{
		Plugins:   table,
		Artifacts: store,
		Registry:  reg,
		Baselines: baselines,
		Deployed:  machine,
	})
	require.NoError(t, err)
	return &fixture{root: root, pipeline: p, reg: reg, baselines: baselines, machine: machine}
}

func (f *fixture) csv(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTrainPersistsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	assert.Equal(t, "run_a", res.Run.RunID)
	assert.Empty(t, res.RegisteredVersion, "local registry never registers")
	assert.Equal(t, 1.0, res.Run.Metrics["accuracy"])

	for _, name := range []string{MetricsFile, ParamsFile, MetaFile} {
		_, err := os.Stat(filepath.Join(f.root, "runs", "fraud", "run_a", name))
		require.NoError(t, err, name)
	}
	run, err := f.reg.GetRun(ctx, "fraud", "run_a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "runs", "fraud", "run_a", ArtifactDir), run.ArtifactRef)

	var meta map[string]any
	require.NoError(t, fsutil.ReadJSON(filepath.Join(f.root, "runs", "fraud", "run_a", MetaFile), &meta))
	assert.Equal(t, "fraud", meta["model_name"])
	assert.Equal(t, run.ArtifactRef, meta["artifact_path"])
	assert.Equal(t, "amount", run.Params["feature"])
}

func TestTrainGeneratesRunID(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Train(context.Background(), TrainRequest{Model: "fraud", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	assert.Len(t, res.Run.RunID, 8)
}

func TestRetrainReplacesRunAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	_, err = f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "inverse.csv", inverseCSV)})
	require.NoError(t, err)

	var params domain.Params
	require.NoError(t, fsutil.ReadJSON(filepath.Join(f.root, "runs", "fraud", "run_a", ParamsFile), &params))
	assert.Equal(t, "-1", params["direction"])
	loaded, err := artifacts.NewStore(nil, nil).LoadVerified(ctx, filepath.Join(f.root, "runs", "fraud", "run_a", ArtifactDir))
	require.NoError(t, err)
	assert.Contains(t, string(loaded.Blob), `"direction":-1`)

	names, err := fsutil.ListPublished(filepath.Join(f.root, "runs", "fraud"))
	require.NoError(t, err)
	assert.Equal(t, []string{"run_a"}, names)
}

func TestSameRunIDAcrossModelsStaysSeparate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fraud, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "r1", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	churn, err := f.pipeline.Train(ctx, TrainRequest{Model: "churn", RunID: "r1", DataPath: f.csv(t, "inverse.csv", inverseCSV)})
	require.NoError(t, err)
	assert.NotEqual(t, fraud.Run.ArtifactRef, churn.Run.ArtifactRef)

	_, err = f.machine.Deploy(ctx, "fraud", "r1", domain.StageProd)
	require.NoError(t, err)
	out, err := f.pipeline.Predict(ctx, "fraud", domain.StageProd, map[string]any{"amount": 11.0})
	require.NoError(t, err)
	assert.Equal(t, 1, out["prediction"], "fraud's own model serves fraud's prod slot")
	assert.Equal(t, fraud.Run.Metrics, f.baselines.GetBaselineMetrics(ctx, "fraud", ""))

	_, err = f.machine.Deploy(ctx, "churn", "r1", domain.StageProd)
	require.NoError(t, err)
	out, err = f.pipeline.Predict(ctx, "churn", domain.StageProd, map[string]any{"amount": 11.0})
	require.NoError(t, err)
	assert.Equal(t, 0, out["prediction"])
}

func TestTrainUnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Train(context.Background(), TrainRequest{Model: "spam", DataPath: "x.csv"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluateAgainstBaselines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	evalPath := f.csv(t, "eval.csv", "amount,label\n1,0\n20,1\n8,0\n5,1\n")

	report, err := f.pipeline.Evaluate(ctx, EvalRequest{Model: "fraud", RunID: "run_a", EvalDataPath: evalPath, Gate: gate.Config{Metrics: []string{"accuracy"}, Baseline: "heuristic"}})
	require.NoError(t, err)
	assert.True(t, report.Gate.Passed, "0.5 meets the heuristic baseline")
	assert.Equal(t, domain.Metrics{"accuracy": 0.5}, report.Baseline)

	require.NoError(t, f.baselines.SetBaseline(ctx, "fraud", domain.Metrics{"accuracy": 0.9}))
	report, err = f.pipeline.Evaluate(ctx, EvalRequest{Model: "fraud", RunID: "run_a", EvalDataPath: evalPath, Gate: gate.Config{Metrics: []string{"accuracy", "f1"}}})
	require.NoError(t, err)
	assert.False(t, report.Gate.Passed)
	assert.Equal(t, []string{"accuracy", "f1"}, report.Gate.Failing())
	assert.Equal(t, gate.ReasonMissingMetric, report.Gate.Metrics["f1"].Reason)
}

func TestEvaluateRefusesTamperedArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(res.Run.ArtifactRef, artifacts.BlobFile), []byte(`{}`), 0o644))

	_, err = f.pipeline.Evaluate(ctx, EvalRequest{Model: "fraud", RunID: "run_a", EvalDataPath: f.csv(t, "eval.csv", trainCSV)})
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestEvaluateRejectsBadGateConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Evaluate(context.Background(), EvalRequest{Model: "fraud", RunID: "run_a", EvalDataPath: "x", Gate: gate.Config{Metrics: []string{""}}})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestPredictFromDeployedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)

	_, err = f.pipeline.Predict(ctx, "fraud", domain.StageStaging, map[string]any{"amount": 11.0})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.machine.Deploy(ctx, "fraud", "run_a", domain.StageStaging)
	require.NoError(t, err)
	out, err := f.pipeline.Predict(ctx, "fraud", domain.StageStaging, map[string]any{"amount": 11.0})
	require.NoError(t, err)
	assert.Equal(t, 1, out["prediction"])
}

func TestPredictBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	_, err = f.machine.Deploy(ctx, "fraud", "run_a", domain.StageProd)
	require.NoError(t, err)

	var out bytes.Buffer
	rows, err := f.pipeline.PredictBatch(ctx, "fraud", domain.StageProd, strings.NewReader("id,amount\na,1\nb, 11\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	records, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "amount", "prediction", "score"}, records[0])
	assert.Equal(t, []string{"a", "1", "0", "1"}, records[1])
	assert.Equal(t, "b", records[2][0])
	assert.Equal(t, "1", records[2][2])
}

func TestPredictBatchErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.PredictBatch(ctx, "fraud", domain.StageProd, strings.NewReader("amount\n1\n"), io.Discard)
	require.ErrorIs(t, err, domain.ErrNotFound, "nothing deployed")

	_, err = f.pipeline.Train(ctx, TrainRequest{Model: "fraud", RunID: "run_a", DataPath: f.csv(t, "train.csv", trainCSV)})
	require.NoError(t, err)
	_, err = f.machine.Deploy(ctx, "fraud", "run_a", domain.StageProd)
	require.NoError(t, err)

	_, err = f.pipeline.PredictBatch(ctx, "fraud", domain.StageProd, strings.NewReader(""), io.Discard)
	assert.ErrorIs(t, err, domain.ErrConfig)

	rows, err := f.pipeline.PredictBatch(ctx, "fraud", domain.StageProd, strings.NewReader("amount\n1\nabc\n"), io.Discard)
	assert.ErrorContains(t, err, "line 3")
	assert.Equal(t, 1, rows)

	_, err = f.pipeline.PredictBatch(ctx, "fraud", domain.StageProd, strings.NewReader("amount,score\n1,0\n"), io.Discard)
	assert.ErrorIs(t, err, domain.ErrConfig, "prediction column collides with input")
}
