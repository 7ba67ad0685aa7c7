package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cliTrainCSV = "amount,label\n1,0\n2,0\n3,0\n10,1\n11,1\n12,1\n"
	cliEvalCSV  = "amount,label\n1,0\n20,1\n8,0\n5,1\n"
	cliDefaults = `
eval:
  gate_delta_min: 0.0
  gate_metrics: [accuracy]
deploy:
  prod_replicas: 3
`
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range map[string]string{
		"data/train.csv":       cliTrainCSV,
		"data/eval.csv":        cliEvalCSV,
		"config/defaults.yaml": cliDefaults,
	} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func runCLI(t *testing.T, root string, args ...string) (int, []byte) {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cmd := newRootCmd(logger, nil, &out)
	cmd.SetArgs(append(args, "--root", root))
	err := cmd.ExecuteContext(context.Background())
	return exitCode(err), out.Bytes()
}

func TestCLIRelativeRoot(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_URL", "")
	root := newWorkspace(t)
	chdir(t, filepath.Dir(root))

	code, out := runCLI(t, filepath.Base(root), "train", "--model", "fraud", "--run-id", "run_a")
	require.Equal(t, exitOK, code, string(out))

	chdir(t, t.TempDir())
	code, out = runCLI(t, root, "deploy", "--model", "fraud", "--run-id", "run_a", "--stage", "staging")
	require.Equal(t, exitOK, code, "artifact recorded under a relative root must resolve elsewhere: %s", out)
	code, out = runCLI(t, root, "eval", "--model", "fraud", "--run-id", "run_a")
	assert.Equal(t, exitOK, code, string(out))
}

func TestCLILifecycle(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_URL", "")
	root := newWorkspace(t)

	code, out := runCLI(t, root, "train", "--model", "fraud", "--run-id", "run_a")
	require.Equal(t, exitOK, code, string(out))
	var trained struct {
		Run struct {
			RunID   string             `json:"run_id"`
			Metrics map[string]float64 `json:"metrics"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(out, &trained))
	assert.Equal(t, "run_a", trained.Run.RunID)
	assert.Equal(t, 1.0, trained.Run.Metrics["accuracy"])

	code, out = runCLI(t, root, "eval", "--model", "fraud", "--run-id", "run_a")
	require.Equal(t, exitOK, code, "no baseline yet: %s", out)

	code, out = runCLI(t, root, "deploy", "--model", "fraud", "--run-id", "run_a", "--stage", "prod")
	require.Equal(t, exitOK, code, string(out))

	code, out = runCLI(t, root, "eval", "--model", "fraud", "--run-id", "run_a")
	assert.Equal(t, exitVerdict, code, "0.5 on eval regresses from the 1.0 baseline: %s", out)

	code, out = runCLI(t, root, "serving-spec", "--model", "fraud", "--stage", "prod")
	require.Equal(t, exitOK, code, string(out))
	var spec struct {
		Version  string `json:"version"`
		Replicas int    `json:"replicas"`
	}
	require.NoError(t, json.Unmarshal(out, &spec))
	assert.Equal(t, "run_a", spec.Version)
	assert.Equal(t, 3, spec.Replicas)

	code, out = runCLI(t, root, "predict", "--model", "fraud", "--input", `{"amount": 11}`)
	require.Equal(t, exitOK, code, string(out))
	assert.Contains(t, string(out), `"prediction": 1`)

	batchIn := filepath.Join(root, "data", "batch.csv")
	require.NoError(t, os.WriteFile(batchIn, []byte("amount\n2\n12\n"), 0o644))
	batchOut := filepath.Join(root, "out", "predictions.csv")
	code, out = runCLI(t, root, "predict", "--model", "fraud", "--input-csv", batchIn, "--output", batchOut)
	require.Equal(t, exitOK, code, string(out))
	assert.Contains(t, string(out), `"rows": 2`)
	written, err := os.ReadFile(batchOut)
	require.NoError(t, err)
	assert.Equal(t, "amount,prediction,score\n2,0,2\n12,1,12\n", string(written))

	code, _ = runCLI(t, root, "predict", "--model", "fraud", "--input-csv", batchIn)
	assert.Equal(t, exitConfig, code, "batch mode needs --output")

	code, _ = runCLI(t, root, "train", "--model", "fraud", "--run-id", "run_b")
	require.Equal(t, exitOK, code)
	code, out = runCLI(t, root, "rollback", "--model", "fraud")
	require.Equal(t, exitOK, code)
	var listing struct {
		Current    string `json:"current"`
		Candidates []struct {
			RunID string `json:"run_id"`
		} `json:"candidates"`
		Baseline *struct {
			ModelName string             `json:"model_name"`
			Metrics   map[string]float64 `json:"metrics"`
		} `json:"baseline"`
	}
	require.NoError(t, json.Unmarshal(out, &listing))
	assert.Equal(t, "run_a", listing.Current)
	require.NotNil(t, listing.Baseline, "prod deploy recorded a baseline")
	assert.Equal(t, "fraud", listing.Baseline.ModelName)
	assert.Equal(t, 1.0, listing.Baseline.Metrics["accuracy"])
	require.Len(t, listing.Candidates, 1)
	assert.Equal(t, "run_b", listing.Candidates[0].RunID)

	code, out = runCLI(t, root, "rollback", "--model", "fraud", "--to", "run_b")
	require.Equal(t, exitOK, code, string(out))

	code, out = runCLI(t, root, "runs", "list", "--model", "fraud")
	require.Equal(t, exitOK, code)
	var runs []struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(out, &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run_b", runs[0].RunID)

	_, err = os.Stat(filepath.Join(root, "deployments", "audit.ndjson"))
	assert.NoError(t, err)
}

func TestCLIExitCodes(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_URL", "")
	root := newWorkspace(t)

	code, _ := runCLI(t, root, "train")
	assert.Equal(t, exitConfig, code, "missing --model")

	code, _ = runCLI(t, root, "deploy", "--model", "fraud", "--run-id", "x", "--stage", "qa")
	assert.Equal(t, exitConfig, code, "unknown stage")

	code, _ = runCLI(t, root, "eval", "--model", "fraud", "--run-id", "x", "--no-such-flag")
	assert.Equal(t, exitConfig, code, "flag parse error")

	code, _ = runCLI(t, root, "runs", "get", "--model", "fraud", "--run-id", "missing")
	assert.Equal(t, exitInfra, code)

	code, _ = runCLI(t, root, "register", "--model", "fraud", "--run-id", "missing")
	assert.Equal(t, exitInfra, code, "local backend cannot register")
}

func TestCLICanaryCheck(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_URL", "")
	root := newWorkspace(t)
	write := func(name, content string) string {
		path := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	baseline := write("baseline.json", `{"ctr": 0.10, "conversion": 0.05}`)

	code, out := runCLI(t, root, "canary", "check", "--model", "fraud",
		"--canary-metrics", write("ok.json", `{"ctr": 0.098, "conversion": 0.06}`),
		"--baseline-metrics", baseline)
	assert.Equal(t, exitOK, code, string(out))

	code, out = runCLI(t, root, "canary", "check", "--model", "fraud",
		"--canary-metrics", write("bad.json", `{"ctr": 0.08}`),
		"--baseline-metrics", baseline)
	assert.Equal(t, exitVerdict, code, string(out))

	code, out = runCLI(t, root, "canary", "spec", "--model", "fraud", "--new", "run_b")
	require.Equal(t, exitOK, code, string(out))
	assert.Contains(t, string(out), `"canary_percent": 10`)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (stand-in for testing.T.Chdir on older toolchains).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
