// Package threshold is the reference plugin: a single-feature threshold classifier
// trained from CSV. It reports accuracy and ROC AUC.
package threshold

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/plugin"
)

const (
	ParamFeature = "feature"
	ParamLabel   = "label"

	DefaultLabel = "label"
)

// Classifier is the serialized model.
type Classifier struct {
	Feature   string  `json:"feature"`
	Label     string  `json:"label"`
	Threshold float64 `json:"threshold"`
	// Direction is +1 when larger values predict the positive class, -1 otherwise.
	Direction float64 `json:"direction"`
}

func (c Classifier) score(x float64) float64 { return c.Direction * x }

func (c Classifier) predict(x float64) int {
	if c.score(x) >= c.Direction*c.Threshold {
		return 1
	}
	return 0
}

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) Train(ctx context.Context, in plugin.TrainInput) (plugin.TrainOutput, error) {
	label := paramOr(in.Params, ParamLabel, DefaultLabel)
	ds, err := readDataset(ctx, in.DataPath, in.Params[ParamFeature], label)
	if err != nil {
		return plugin.TrainOutput{}, err
	}

	clf := fit(ds)
	blob, err := json.Marshal(clf)
	if err != nil {
		return plugin.TrainOutput{}, fmt.Errorf("marshal classifier: %w", err)
	}
	return plugin.TrainOutput{
		Blob: blob,
		Metadata: map[string]any{
			"model_name": in.ModelName,
			"run_id":     in.RunID,
			"plugin":     "threshold",
			"feature":    clf.Feature,
			"rows":       len(ds.x),
		},
		Metrics: clf.metrics(ds),
		Params: domain.Params{
			ParamFeature: clf.Feature,
			ParamLabel:   clf.Label,
			"threshold":  strconv.FormatFloat(clf.Threshold, 'g', -1, 64),
			"direction":  strconv.FormatFloat(clf.Direction, 'g', -1, 64),
		},
	}, nil
}

func (p *Plugin) Evaluate(ctx context.Context, model plugin.Model, evalDataPath string, _ domain.Params) (domain.Metrics, error) {
	clf, err := decode(model.Blob)
	if err != nil {
		return nil, err
	}
	ds, err := readDataset(ctx, evalDataPath, clf.Feature, clf.Label)
	if err != nil {
		return nil, err
	}
	return clf.metrics(ds), nil
}

// Predict accepts {"<feature>": number} or {"instances": [{"<feature>": number}, ...]}.
func (p *Plugin) Predict(_ context.Context, model plugin.Model, input map[string]any) (map[string]any, error) {
	clf, err := decode(model.Blob)
	if err != nil {
		return nil, err
	}
	if raw, ok := input["instances"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, errors.New("instances must be a list")
		}
		preds := make([]map[string]any, 0, len(items))
		for i, item := range items {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("instances[%d] must be an object", i)
			}
			pred, err := clf.predictRow(row)
			if err != nil {
				return nil, fmt.Errorf("instances[%d]: %w", i, err)
			}
			preds = append(preds, pred)
		}
		return map[string]any{"predictions": preds}, nil
	}
	return clf.predictRow(input)
}

func (c Classifier) predictRow(row map[string]any) (map[string]any, error) {
	x, err := toFloat(row[c.Feature])
	if err != nil {
		return nil, fmt.Errorf("feature %q: %w", c.Feature, err)
	}
	return map[string]any{"prediction": c.predict(x), "score": c.score(x)}, nil
}

func decode(blob []byte) (Classifier, error) {
	var clf Classifier
	if err := json.Unmarshal(blob, &clf); err != nil {
		return Classifier{}, fmt.Errorf("decode classifier: %w", err)
	}
	if clf.Feature == "" || (clf.Direction != 1 && clf.Direction != -1) {
		return Classifier{}, errors.New("decode classifier: malformed model")
	}
	return clf, nil
}

type dataset struct {
	feature string
	label   string
	x       []float64
	y       []int
}

// fit picks the threshold and direction with the best training accuracy.
func fit(ds dataset) Classifier {
	values := append([]float64(nil), ds.x...)
	sort.Float64s(values)
	candidates := []float64{values[0]}
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1] {
			candidates = append(candidates, (values[i]+values[i-1])/2)
		}
	}

	best := Classifier{Feature: ds.feature, Label: ds.label, Threshold: candidates[0], Direction: 1}
	bestAcc := -1.0
	for _, t := range candidates {
		for _, dir := range []float64{1, -1} {
			c := Classifier{Feature: ds.feature, Label: ds.label, Threshold: t, Direction: dir}
			if acc := c.accuracy(ds); acc > bestAcc {
				best, bestAcc = c, acc
			}
		}
	}
	return best
}

func (c Classifier) accuracy(ds dataset) float64 {
	correct := 0
	for i, x := range ds.x {
		if c.predict(x) == ds.y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(ds.x))
}

func (c Classifier) metrics(ds dataset) domain.Metrics {
	scores := make([]float64, len(ds.x))
	for i, x := range ds.x {
		scores[i] = c.score(x)
	}
	return domain.Metrics{"accuracy": c.accuracy(ds), "auc": AUC(scores, ds.y)}
}

// AUC is the Mann-Whitney estimate of ROC AUC with tied scores sharing ranks. It is
// 0.5 when either class is absent.
func AUC(scores []float64, labels []int) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	var pos, neg, rankSum float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if labels[idx[k]] == 1 {
				rankSum += avgRank
			}
		}
		i = j
	}
	for _, l := range labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}

func readDataset(ctx context.Context, path, feature, label string) (dataset, error) {
	if err := ctx.Err(); err != nil {
		return dataset{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return dataset{}, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return dataset{}, fmt.Errorf("read header %s: %w", path, err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	labelIdx, ok := col[label]
	if !ok {
		return dataset{}, domain.NewConfigError("dataset %s has no label column %q", path, label)
	}
	if feature == "" {
		for _, name := range header {
			if name = strings.TrimSpace(name); name != label {
				feature = name
				break
			}
		}
	}
	featureIdx, ok := col[feature]
	if !ok || feature == "" {
		return dataset{}, domain.NewConfigError("dataset %s has no feature column %q", path, feature)
	}

	ds := dataset{feature: feature, label: label}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dataset{}, fmt.Errorf("read %s: %w", path, err)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(rec[featureIdx]), 64)
		if err != nil {
			return dataset{}, fmt.Errorf("%s line %d: feature: %w", path, line, err)
		}
		y, err := parseLabel(rec[labelIdx])
		if err != nil {
			return dataset{}, fmt.Errorf("%s line %d: label: %w", path, line, err)
		}
		ds.x = append(ds.x, x)
		ds.y = append(ds.y, y)
	}
	if len(ds.x) == 0 {
		return dataset{}, fmt.Errorf("dataset %s has no rows", path)
	}
	return ds, nil
}

func parseLabel(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if b, err := strconv.ParseBool(raw); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if v >= 0.5 {
		return 1, nil
	}
	return 0, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func paramOr(params domain.Params, key, def string) string {
	if v := strings.TrimSpace(params[key]); v != "" {
		return v
	}
	return def
}
