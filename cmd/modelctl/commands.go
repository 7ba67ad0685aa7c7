package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/modelops/internal/canary"
	"github.com/animus-labs/modelops/internal/deploy"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/pipeline"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
)

type runView struct {
	RunID       string         `json:"run_id"`
	ModelName   string         `json:"model_name"`
	DatasetID   string         `json:"dataset_id,omitempty"`
	Metrics     domain.Metrics `json:"metrics"`
	Params      domain.Params  `json:"params,omitempty"`
	ArtifactRef string         `json:"artifact_path,omitempty"`
	RemoteRef   string         `json:"remote_run_ref,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	LoggedAt    *time.Time     `json:"logged_at,omitempty"`
}

func viewRun(r domain.Run) runView {
	v := runView{
		RunID:       r.RunID,
		ModelName:   r.ModelName,
		DatasetID:   r.DatasetID,
		Metrics:     r.Metrics,
		Params:      r.Params,
		ArtifactRef: r.ArtifactRef,
		RemoteRef:   r.RemoteRef,
	}
	if v.Metrics == nil {
		v.Metrics = domain.Metrics{}
	}
	if !r.CreatedAt.IsZero() {
		v.CreatedAt = &r.CreatedAt
	}
	if !r.LoggedAt.IsZero() {
		v.LoggedAt = &r.LoggedAt
	}
	return v
}

func viewRuns(runs []domain.Run) []runView {
	out := make([]runView, 0, len(runs))
	for _, r := range runs {
		out = append(out, viewRun(r))
	}
	return out
}

func (c *cli) trainCmd() *cobra.Command {
	var model, runID, dataPath, datasetID string
	var params map[string]string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a run with the model's plugin and record it in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()

			merged := a.cfg.Params.Clone()
			if merged == nil {
				merged = domain.Params{}
			}
			for k, v := range params {
				merged[k] = v
			}
			res, err := a.pipeline.Train(cmd.Context(), pipeline.TrainRequest{
				Model:     model,
				RunID:     runID,
				DataPath:  a.cfg.DataPath(dataPath, a.cfg.Data.TrainPath),
				DatasetID: datasetID,
				Params:    merged,
			})
			if err != nil {
				return err
			}
			return c.print(map[string]any{
				"run":                viewRun(res.Run),
				"registered_version": res.RegisteredVersion,
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&dataPath, "data-path", "", "training CSV (defaults to data.train_path)")
	cmd.Flags().StringVar(&datasetID, "dataset-id", "", "dataset identifier recorded with the run")
	cmd.Flags().StringToStringVar(&params, "param", nil, "plugin parameter key=value, repeatable")
	return cmd
}

func (c *cli) evalCmd() *cobra.Command {
	var model, runID, evalData string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a run and apply the promotion gate",
		Long:  "Evaluate a run against the current baseline. Exits 3 when the gate fails.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model, "run-id", runID); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.pipeline.Evaluate(cmd.Context(), pipeline.EvalRequest{
				Model:        model,
				RunID:        runID,
				EvalDataPath: a.cfg.DataPath(evalData, a.cfg.Data.EvalPath),
				Gate:         a.cfg.Eval,
			})
			if err != nil {
				return err
			}
			if err := c.print(report); err != nil {
				return err
			}
			if !report.Gate.Passed {
				return fmt.Errorf("gate failed for %s/%s on %s: %w", model, runID, strings.Join(report.Gate.Failing(), ", "), errVerdictFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to evaluate")
	cmd.Flags().StringVar(&evalData, "eval-data", "", "evaluation CSV (defaults to data.eval_path)")
	return cmd
}

func (c *cli) deployCmd() *cobra.Command {
	var model, runID, stage string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Publish a verified run into the staging or prod slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model, "run-id", runID); err != nil {
				return err
			}
			target, err := parseStage(stage)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.machine.Deploy(cmd.Context(), model, runID, target)
			if err != nil {
				return err
			}
			return c.print(rec)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to deploy")
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageStaging), "staging or prod")
	return cmd
}

func (c *cli) rollbackCmd() *cobra.Command {
	var model, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy a previous run to prod, or list candidates when --to is omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()

			if strings.TrimSpace(to) == "" {
				current, err := a.machine.Current(cmd.Context(), model, domain.StageProd)
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				candidates, err := a.machine.RollbackCandidates(cmd.Context(), model, limit)
				if err != nil {
					return err
				}
				view := map[string]any{"current": current.Version, "candidates": viewRuns(candidates), "baseline": nil}
				rec, err := a.baselines.Get(cmd.Context(), model)
				switch {
				case err == nil:
					view["baseline"] = rec
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
				return c.print(view)
			}
			rec, err := a.machine.Rollback(cmd.Context(), model, to)
			if err != nil {
				return err
			}
			return c.print(rec)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&to, "to", "", "run id to restore")
	cmd.Flags().IntVar(&limit, "limit", 10, "candidates to list")
	return cmd
}

func (c *cli) runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect the run registry"}

	var model string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recently logged first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()
			runs, err := a.registry.ListRuns(cmd.Context(), model, limit)
			if err != nil {
				return err
			}
			return c.print(viewRuns(runs))
		},
	}
	list.Flags().StringVar(&model, "model", "", "model name")
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 for all)")

	var getModel, runID string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", getModel, "run-id", runID); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), getModel)
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.registry.GetRun(cmd.Context(), getModel, runID)
			if err != nil {
				return err
			}
			return c.print(viewRun(run))
		},
	}
	get.Flags().StringVar(&getModel, "model", "", "model name")
	get.Flags().StringVar(&runID, "run-id", "", "run id")

	cmd.AddCommand(list, get)
	return cmd
}

func (c *cli) registerCmd() *cobra.Command {
	var model, runID, stage string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a run as a model version on the tracking server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model, "run-id", runID); err != nil {
				return err
			}
			target, err := parseStage(stage)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()
			version, err := a.registry.RegisterRun(cmd.Context(), model, runID, target)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"model_name": model, "run_id": runID, "version": version, "stage": target})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageStaging), "staging or prod")
	return cmd
}

func (c *cli) servingSpecCmd() *cobra.Command {
	var model, stage string
	cmd := &cobra.Command{
		Use:   "serving-spec",
		Short: "Print the serving spec of the version deployed to a stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model); err != nil {
				return err
			}
			target, err := parseStage(stage)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()
			rec, err := a.machine.Current(cmd.Context(), model, target)
			if err != nil {
				return err
			}
			return c.print(deploy.GetServingSpec(rec.ModelName, rec.Version, rec.ArtifactPath, target, a.cfg.Deploy))
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageProd), "staging or prod")
	return cmd
}

func (c *cli) canaryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "canary", Short: "Plan and judge canary rollouts"}

	var model, newVersion, current string
	var percent int
	spec := &cobra.Command{
		Use:   "spec",
		Short: "Print the routing intent for a canary of a new version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model, "new", newVersion); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()
			if strings.TrimSpace(current) == "" {
				rec, err := a.machine.Current(cmd.Context(), model, domain.StageProd)
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				current = rec.Version
			}
			s, err := canary.NewSpec(model, newVersion, current, percent, a.cfg.Canary)
			if err != nil {
				return err
			}
			return c.print(s)
		},
	}
	spec.Flags().StringVar(&model, "model", "", "model name")
	spec.Flags().StringVar(&newVersion, "new", "", "candidate version")
	spec.Flags().StringVar(&current, "current", "", "stable version (defaults to the prod slot)")
	spec.Flags().IntVar(&percent, "percent", 0, "traffic percent when canary.canary_percent is unset")

	var checkModel, canaryPath, baselinePath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Compare canary KPIs with the baseline; exits 3 on regression",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", checkModel, "canary-metrics", canaryPath); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), checkModel)
			if err != nil {
				return err
			}
			defer a.close()

			canaryKPIs, err := readMetrics(canaryPath)
			if err != nil {
				return err
			}
			var baselineKPIs domain.Metrics
			if baselinePath != "" {
				if baselineKPIs, err = readMetrics(baselinePath); err != nil {
					return err
				}
			} else {
				baselineKPIs = a.baselines.GetBaselineMetrics(cmd.Context(), checkModel, a.cfg.Eval.Baseline)
			}

			res := canary.CompareKPIs(canaryKPIs, baselineKPIs, a.cfg.Canary.KPINames(canaryKPIs), a.cfg.Canary.TolerancePct)
			a.metrics.ObserveCanary(checkModel, res.OK)
			if err := c.print(res); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("canary regressed for %s: %w", checkModel, errVerdictFailed)
			}
			return nil
		},
	}
	check.Flags().StringVar(&checkModel, "model", "", "model name")
	check.Flags().StringVar(&canaryPath, "canary-metrics", "", "JSON object of canary KPIs")
	check.Flags().StringVar(&baselinePath, "baseline-metrics", "", "JSON object of baseline KPIs (defaults to the stored baseline)")

	cmd.AddCommand(spec, check)
	return cmd
}

func readMetrics(path string) (domain.Metrics, error) {
	var m domain.Metrics
	if err := fsutil.ReadJSON(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NewConfigError("metrics file %s does not exist", path)
		}
		return nil, domain.NewConfigError("read metrics %s: %v", path, err)
	}
	if m == nil {
		m = domain.Metrics{}
	}
	return m, nil
}

func (c *cli) predictCmd() *cobra.Command {
	var model, stage, input, inputFile, inputCSV, output string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a prediction with the version deployed to a stage",
		Long: "Predict one JSON object given with --input or --input-file, or every row of a CSV\n" +
			"given with --input-csv, writing the rows plus prediction columns to --output.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := required("model", model); err != nil {
				return err
			}
			target, err := parseStage(stage)
			if err != nil {
				return err
			}
			batch := strings.TrimSpace(inputCSV) != ""
			var payload map[string]any
			if batch {
				if err := required("output", output); err != nil {
					return err
				}
				if input != "" || inputFile != "" {
					return domain.NewConfigError("--input-csv cannot be combined with --input or --input-file")
				}
			} else if payload, err = readInput(input, inputFile); err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), model)
			if err != nil {
				return err
			}
			defer a.close()

			if batch {
				rows, err := predictCSV(cmd, a.pipeline, model, target, inputCSV, output)
				if err != nil {
					return err
				}
				return c.print(map[string]any{"model_name": model, "stage": target, "rows": rows, "output": output})
			}
			out, err := a.pipeline.Predict(cmd.Context(), model, target, payload)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageProd), "staging or prod")
	cmd.Flags().StringVar(&input, "input", "", `JSON input, e.g. {"amount": 12}`)
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file holding the JSON input")
	cmd.Flags().StringVar(&inputCSV, "input-csv", "", "CSV file to predict row by row")
	cmd.Flags().StringVar(&output, "output", "", "CSV file receiving the batch predictions")
	return cmd
}

// predictCSV streams the batch into a temporary sibling of output and renames it into
// place once every row succeeded.
func predictCSV(cmd *cobra.Command, p *pipeline.Pipeline, model string, stage domain.Stage, inputPath, output string) (int, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return 0, domain.NewConfigError("open batch input: %v", err)
	}
	defer in.Close()

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(output)+".tmp-*")
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	rows, err := p.PredictBatch(cmd.Context(), model, stage, in, tmp)
	if err != nil {
		return rows, err
	}
	if err := tmp.Sync(); err != nil {
		return rows, err
	}
	if err := tmp.Close(); err != nil {
		return rows, err
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return rows, err
	}
	committed = true
	return rows, fsutil.SyncDir(dir)
}

func readInput(inline, path string) (map[string]any, error) {
	raw := []byte(inline)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.NewConfigError("read input: %v", err)
		}
		raw = b
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, domain.NewConfigError("--input or --input-file is required")
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, domain.NewConfigError("input must be a JSON object: %v", err)
	}
	return payload, nil
}
