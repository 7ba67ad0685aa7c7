package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
)

const (
	metricsFile      = "metrics.json"
	paramsFile       = "params.json"
	artifactPathFile = "artifact_path.txt"
	remoteRefFile    = "remote_run_ref.txt"
	runFile          = "run.json"
	// sequenceFile holds the last recency number handed out for a model.
	sequenceFile = ".sequence"
)

type runRecord struct {
	RunID             string    `json:"run_id"`
	ModelName         string    `json:"model_name"`
	DatasetID         string    `json:"dataset_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LoggedAt          time.Time `json:"logged_at"`
	Sequence          uint64    `json:"sequence,omitempty"`
	RemoteArtifactURI string    `json:"remote_artifact_uri,omitempty"`
}

// storedRun is everything persisted for one run directory.
type storedRun struct {
	run               domain.Run
	remoteArtifactURI string
	// sequence orders runs of one model by logging recency; 0 for directories that
	// predate it.
	sequence uint64
}

// LocalIndex is the file-backed registry. Each run directory is republished whole on
// every write so readers never observe a half-updated run.
type LocalIndex struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func NewLocalIndex(dir string, logger *slog.Logger) *LocalIndex {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LocalIndex{dir: dir, logger: logger, now: time.Now}
}

func (l *LocalIndex) runDir(model, runID string) string {
	return filepath.Join(l.dir, model, runID)
}

func (l *LocalIndex) LogRun(ctx context.Context, run domain.Run) (string, error) {
	if _, err := l.upsert(ctx, run, "", true); err != nil {
		return "", err
	}
	return "", nil
}

// upsert merges run into the stored state and republishes the run directory. touch
// refreshes the run's recency.
func (l *LocalIndex) upsert(ctx context.Context, run domain.Run, remoteArtifactURI string, touch bool) (storedRun, error) {
	if err := ctx.Err(); err != nil {
		return storedRun{}, err
	}
	if err := run.Validate(); err != nil {
		return storedRun{}, domain.NewConfigError("%v", err)
	}
	model, runID := strings.TrimSpace(run.ModelName), strings.TrimSpace(run.RunID)

	current, err := l.read(model, runID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return storedRun{}, err
	}
	merged := merge(current, run, remoteArtifactURI, l.now().UTC(), touch)
	merged.run.ModelName, merged.run.RunID = model, runID
	if touch || merged.sequence == 0 {
		if merged.sequence, err = l.nextSequence(model, merged.sequence); err != nil {
			return storedRun{}, err
		}
	}

	target := l.runDir(model, runID)
	staged, err := fsutil.StageDir(target)
	if err != nil {
		return storedRun{}, fmt.Errorf("stage run: %w", err)
	}
	if err := writeRun(staged, merged); err != nil {
		fsutil.Discard(staged)
		return storedRun{}, err
	}
	pub, err := fsutil.PublishDir(staged, target)
	if err != nil {
		fsutil.Discard(staged)
		return storedRun{}, fmt.Errorf("publish run: %w", err)
	}
	if err := pub.Commit(); err != nil {
		l.logger.Warn("run generation cleanup failed", "model", model, "run_id", runID, "error", err)
	}
	l.logger.Debug("run logged", "model", model, "run_id", runID, "metrics", len(merged.run.Metrics))
	return merged, nil
}

func merge(current storedRun, in domain.Run, remoteArtifactURI string, now time.Time, touch bool) storedRun {
	out := current
	if in.Metrics != nil {
		out.run.Metrics = in.Metrics.Clone()
	}
	if in.Params != nil {
		out.run.Params = in.Params.Clone()
	}
	if in.ArtifactRef != "" {
		out.run.ArtifactRef = in.ArtifactRef
	}
	if in.RemoteRef != "" {
		out.run.RemoteRef = in.RemoteRef
	}
	if in.DatasetID != "" {
		out.run.DatasetID = in.DatasetID
	}
	if remoteArtifactURI != "" {
		out.remoteArtifactURI = remoteArtifactURI
	}
	switch {
	case !out.run.CreatedAt.IsZero():
	case !in.CreatedAt.IsZero():
		out.run.CreatedAt = in.CreatedAt.UTC()
	default:
		out.run.CreatedAt = now
	}
	if touch || out.run.LoggedAt.IsZero() {
		out.run.LoggedAt = now
	}
	return out
}

func writeRun(dir string, s storedRun) error {
	files := map[string]any{}
	if s.run.Metrics != nil {
		files[metricsFile] = s.run.Metrics
	}
	if s.run.Params != nil {
		files[paramsFile] = s.run.Params
	}
	files[runFile] = runRecord{
		RunID:             s.run.RunID,
		ModelName:         s.run.ModelName,
		DatasetID:         s.run.DatasetID,
		CreatedAt:         s.run.CreatedAt,
		LoggedAt:          s.run.LoggedAt,
		Sequence:          s.sequence,
		RemoteArtifactURI: s.remoteArtifactURI,
	}
	for name, v := range files {
		data, err := fsutil.MarshalJSON(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := fsutil.WriteFileSynced(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	texts := map[string]string{artifactPathFile: s.run.ArtifactRef, remoteRefFile: s.run.RemoteRef}
	for name, v := range texts {
		if v == "" {
			continue
		}
		if err := fsutil.WriteFileSynced(filepath.Join(dir, name), []byte(v), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// read loads one run through a single resolved generation.
func (l *LocalIndex) read(model, runID string) (storedRun, error) {
	target := l.runDir(model, runID)
	dir, err := fsutil.ResolveDir(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storedRun{}, domain.ErrNotFound
		}
		return storedRun{}, fmt.Errorf("resolve run %s/%s: %w", model, runID, err)
	}

	out := storedRun{run: domain.Run{ModelName: model, RunID: runID}}
	var rec runRecord
	switch err := fsutil.ReadJSON(filepath.Join(dir, runFile), &rec); {
	case err == nil:
		out.run.DatasetID = rec.DatasetID
		out.run.CreatedAt = rec.CreatedAt
		out.run.LoggedAt = rec.LoggedAt
		out.sequence = rec.Sequence
		out.remoteArtifactURI = rec.RemoteArtifactURI
	case errors.Is(err, os.ErrNotExist):
		// Directories written before run.json existed sort by modification time.
		if info, statErr := os.Stat(dir); statErr == nil {
			out.run.LoggedAt = info.ModTime().UTC()
		}
	default:
		return storedRun{}, err
	}

	if err := readOptionalJSON(filepath.Join(dir, metricsFile), &out.run.Metrics); err != nil {
		return storedRun{}, err
	}
	if err := readOptionalJSON(filepath.Join(dir, paramsFile), &out.run.Params); err != nil {
		return storedRun{}, err
	}
	if out.run.ArtifactRef, err = readOptionalText(filepath.Join(dir, artifactPathFile)); err != nil {
		return storedRun{}, err
	}
	if out.run.RemoteRef, err = readOptionalText(filepath.Join(dir, remoteRefFile)); err != nil {
		return storedRun{}, err
	}
	return out, nil
}

func readOptionalJSON(path string, dst any) error {
	if err := fsutil.ReadJSON(path, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readOptionalText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (l *LocalIndex) GetRun(ctx context.Context, model, runID string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	if err := domain.ValidateName("model name", model); err != nil {
		return notFound(model, runID)
	}
	if err := domain.ValidateName("run id", runID); err != nil {
		return notFound(model, runID)
	}
	s, err := l.read(model, runID)
	if errors.Is(err, domain.ErrNotFound) {
		return notFound(model, runID)
	}
	if err != nil {
		return domain.Run{ModelName: model, RunID: runID}, err
	}
	return s.run, nil
}

func (l *LocalIndex) ListRuns(ctx context.Context, model string, limit int) ([]domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateName("model name", model); err != nil {
		return nil, nil
	}
	ids, err := fsutil.ListPublished(filepath.Join(l.dir, model))
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", model, err)
	}
	stored := make([]storedRun, 0, len(ids))
	for _, id := range ids {
		s, err := l.read(model, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			l.logger.Warn("skipping unreadable run", "model", model, "run_id", id, "error", err)
			continue
		}
		stored = append(stored, s)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		a, b := stored[i], stored[j]
		if a.sequence != b.sequence {
			return a.sequence > b.sequence
		}
		if !a.run.LoggedAt.Equal(b.run.LoggedAt) {
			return a.run.LoggedAt.After(b.run.LoggedAt)
		}
		return a.run.RunID > b.run.RunID
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	runs := make([]domain.Run, 0, len(stored))
	for _, s := range stored {
		runs = append(runs, s.run)
	}
	return runs, nil
}

// nextSequence hands out the next recency number for model, above floor. Without a
// counter file it continues from the highest number already stored in the runs.
// Concurrent writers of one model may draw the same number; ties fall back to logged_at.
func (l *LocalIndex) nextSequence(model string, floor uint64) (uint64, error) {
	path := filepath.Join(l.dir, model, sequenceFile)
	last := floor
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("read %s sequence: %w", model, err)
		}
		last = max(last, n)
	case errors.Is(err, os.ErrNotExist):
		ids, err := fsutil.ListPublished(filepath.Join(l.dir, model))
		if err != nil {
			return 0, fmt.Errorf("list runs %s: %w", model, err)
		}
		for _, id := range ids {
			if s, err := l.read(model, id); err == nil {
				last = max(last, s.sequence)
			}
		}
	default:
		return 0, fmt.Errorf("read %s sequence: %w", model, err)
	}
	next := last + 1
	if err := fsutil.WriteFileAtomic(path, []byte(strconv.FormatUint(next, 10)+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("write %s sequence: %w", model, err)
	}
	return next, nil
}

func (l *LocalIndex) RegisterRun(_ context.Context, model, runID string, _ domain.Stage) (string, error) {
	return "", fmt.Errorf("register %s/%s: local registry has no model registry: %w", model, runID, domain.ErrBackendUnavailable)
}
