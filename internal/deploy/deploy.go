// Package deploy moves verified run artifacts into the staging and prod slots.
//
// Each (model, stage) slot starts absent and is superseded by every deploy; there is
// no terminal state. A slot is published as one directory holding the bundle files
// and deploy_meta.json, so the slot and its record always change together.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/animus-labs/modelops/internal/artifacts"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/lock"
	"github.com/animus-labs/modelops/internal/platform/auditlog"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/platform/requestid"
)

const MetaFile = "deploy_meta.json"

type RunReader interface {
	GetRun(ctx context.Context, model, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, model string, limit int) ([]domain.Run, error)
}

type ArtifactLoader interface {
	LoadVerified(ctx context.Context, path string) (artifacts.LoadResult, error)
}

type BaselineSetter interface {
	SetBaseline(ctx context.Context, model string, metrics domain.Metrics) error
}

type Deps struct {
	Runs      RunReader
	Artifacts ArtifactLoader
	Baselines BaselineSetter
	// Locker defaults to a process-local lock.
	Locker lock.Locker
	// Audit defaults to discarding events.
	Audit   auditlog.Appender
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Actor is recorded in audit events.
	Actor string
}

type Machine struct {
	dir       string
	runs      RunReader
	artifacts ArtifactLoader
	baselines BaselineSetter
	locker    lock.Locker
	audit     auditlog.Appender
	logger    *slog.Logger
	metrics   *metrics.Metrics
	actor     string
	now       func() time.Time
}

// NewMachine manages slots under dir (deployments/<stage>/<model>).
func NewMachine(dir string, deps Deps) (*Machine, error) {
	if dir == "" {
		return nil, domain.NewConfigError("deployments dir is required")
	}
	if deps.Runs == nil || deps.Artifacts == nil || deps.Baselines == nil {
		return nil, errors.New("deploy: runs, artifacts and baselines are required")
	}
	m := &Machine{
		dir:       dir,
		runs:      deps.Runs,
		artifacts: deps.Artifacts,
		baselines: deps.Baselines,
		locker:    deps.Locker,
		audit:     deps.Audit,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		actor:     deps.Actor,
		now:       time.Now,
	}
	if m.locker == nil {
		m.locker = lock.NewMemoryLocker()
	}
	if m.audit == nil {
		m.audit = auditlog.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.actor == "" {
		m.actor = "modelops"
	}
	return m, nil
}

// SlotPath is the published directory for a (model, stage) slot.
func (m *Machine) SlotPath(model string, stage domain.Stage) string {
	return filepath.Join(m.dir, stage.String(), model)
}

// Deploy verifies the run's artifact and publishes it into the stage slot. A prod
// deploy of a run with metrics also replaces the model's baseline; if that fails the
// previous slot is restored.
func (m *Machine) Deploy(ctx context.Context, model, runID string, stage domain.Stage) (domain.DeploymentRecord, error) {
	rec, err := m.transition(ctx, auditlog.ActionDeploy, model, runID, stage)
	m.metrics.ObserveDeployment(stage.String(), err)
	return rec, err
}

// Rollback redeploys a previous run to prod without consulting the gate and without
// touching the baseline. The artifact is still verified.
func (m *Machine) Rollback(ctx context.Context, model, toRunID string) (domain.DeploymentRecord, error) {
	rec, err := m.transition(ctx, auditlog.ActionRollback, model, toRunID, domain.StageProd)
	m.metrics.ObserveRollback(err)
	return rec, err
}

func (m *Machine) transition(ctx context.Context, action, model, runID string, stage domain.Stage) (domain.DeploymentRecord, error) {
	if err := validate(model, runID, stage); err != nil {
		return domain.DeploymentRecord{}, err
	}
	ctx, reqID := requestid.Ensure(ctx)
	logger := m.logger.With("action", action, "model", model, "run_id", runID, "stage", stage.String(), "request_id", reqID)

	previous, prevErr := m.Current(ctx, model, stage)
	rec, err := m.apply(ctx, action, model, runID, stage)

	event := auditlog.Event{
		OccurredAt: m.now(),
		Actor:      m.actor,
		Action:     action,
		Model:      model,
		Stage:      stage.String(),
		Version:    runID,
		Outcome:    auditlog.OutcomeSuccess,
		RequestID:  reqID,
		Detail:     map[string]any{},
	}
	if prevErr == nil {
		event.Detail["previous_version"] = previous.Version
	}
	if err != nil {
		event.Outcome = auditlog.OutcomeFailure
		event.Detail["error"] = err.Error()
		logger.Error("deployment failed", "error", err)
	} else {
		event.Detail["artifact_path"] = rec.ArtifactPath
		logger.Info("deployment published", "artifact_path", rec.ArtifactPath)
	}
	if auditErr := m.audit.Append(context.WithoutCancel(ctx), event); auditErr != nil {
		logger.Warn("audit append failed", "error", auditErr)
	}
	return rec, err
}

func (m *Machine) apply(ctx context.Context, action, model, runID string, stage domain.Stage) (domain.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeploymentRecord{}, err
	}
	unlock, err := m.locker.TryLock(ctx, lock.SlotKey(model, stage))
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	defer func() {
		if err := unlock(); err != nil {
			m.logger.Warn("slot unlock failed", "model", model, "stage", stage.String(), "error", err)
		}
	}()

	run, err := m.runs.GetRun(ctx, model, runID)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("resolve run: %w", err)
	}
	if run.ArtifactRef == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("run %s/%s has no artifact: %w", model, runID, domain.ErrNotFound)
	}
	bundle, err := m.artifacts.LoadVerified(ctx, run.ArtifactRef)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("refusing to deploy %s/%s: %w", model, runID, err)
	}

	rec := domain.DeploymentRecord{
		ModelName:    model,
		Version:      runID,
		Stage:        stage,
		ArtifactPath: run.ArtifactRef,
		DeployedAt:   m.now().UTC(),
	}
	slot := m.SlotPath(model, stage)
	staged, err := fsutil.StageDir(slot)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("stage slot: %w", err)
	}
	if err := writeSlot(staged, bundle, rec); err != nil {
		fsutil.Discard(staged)
		return domain.DeploymentRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		fsutil.Discard(staged)
		return domain.DeploymentRecord{}, err
	}

	// Past this point the transition runs to completion regardless of ctx.
	ctx = context.WithoutCancel(ctx)
	pub, err := fsutil.PublishDir(staged, slot)
	if err != nil {
		fsutil.Discard(staged)
		return domain.DeploymentRecord{}, fmt.Errorf("publish slot: %w", err)
	}
	if action == auditlog.ActionDeploy && stage == domain.StageProd && len(run.Metrics) > 0 {
		if err := m.baselines.SetBaseline(ctx, model, run.Metrics); err != nil {
			if revertErr := pub.Revert(); revertErr != nil {
				return domain.DeploymentRecord{}, errors.Join(fmt.Errorf("set baseline: %w", err), revertErr)
			}
			return domain.DeploymentRecord{}, fmt.Errorf("set baseline: %w", err)
		}
	}
	if err := pub.Commit(); err != nil {
		m.logger.Warn("slot generation cleanup failed", "model", model, "stage", stage.String(), "error", err)
	}
	return rec, nil
}

func writeSlot(dir string, bundle artifacts.LoadResult, rec domain.DeploymentRecord) error {
	if err := artifacts.WriteFiles(dir, bundle.Blob, bundle.Metadata, bundle.Checksum); err != nil {
		return err
	}
	meta, err := fsutil.MarshalJSON(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", MetaFile, err)
	}
	if err := fsutil.WriteFileSynced(filepath.Join(dir, MetaFile), meta, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", MetaFile, err)
	}
	return nil
}

func validate(model, runID string, stage domain.Stage) error {
	cfgErr := &domain.ConfigError{}
	if err := domain.ValidateName("model name", model); err != nil {
		cfgErr.Add("%v", err)
	}
	if err := domain.ValidateName("run id", runID); err != nil {
		cfgErr.Add("%v", err)
	}
	if !stage.Valid() {
		cfgErr.Add("invalid stage %q", stage)
	}
	return cfgErr.OrNil()
}

// Current returns the record of the slot, or ErrNotFound while the slot is absent.
func (m *Machine) Current(ctx context.Context, model string, stage domain.Stage) (domain.DeploymentRecord, error) {
	rec, _, err := m.readSlot(ctx, model, stage)
	return rec, err
}

// Deployed returns the slot record and its verified bundle read from one generation.
func (m *Machine) Deployed(ctx context.Context, model string, stage domain.Stage) (domain.DeploymentRecord, artifacts.LoadResult, error) {
	rec, dir, err := m.readSlot(ctx, model, stage)
	if err != nil {
		return domain.DeploymentRecord{}, artifacts.LoadResult{}, err
	}
	bundle, err := m.artifacts.LoadVerified(ctx, dir)
	if err != nil {
		return domain.DeploymentRecord{}, artifacts.LoadResult{}, err
	}
	return rec, bundle, nil
}

func (m *Machine) readSlot(ctx context.Context, model string, stage domain.Stage) (domain.DeploymentRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeploymentRecord{}, "", err
	}
	if err := domain.ValidateName("model name", model); err != nil || !stage.Valid() {
		return domain.DeploymentRecord{}, "", fmt.Errorf("slot %s/%s: %w", stage, model, domain.ErrNotFound)
	}
	dir, err := fsutil.ResolveDir(m.SlotPath(model, stage))
	if errors.Is(err, os.ErrNotExist) {
		return domain.DeploymentRecord{}, "", fmt.Errorf("slot %s/%s: %w", stage, model, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DeploymentRecord{}, "", err
	}
	var rec domain.DeploymentRecord
	if err := fsutil.ReadJSON(filepath.Join(dir, MetaFile), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DeploymentRecord{}, "", fmt.Errorf("slot %s/%s has no record: %w", stage, model, domain.ErrNotFound)
		}
		return domain.DeploymentRecord{}, "", err
	}
	if err := rec.Validate(); err != nil {
		return domain.DeploymentRecord{}, "", fmt.Errorf("slot %s/%s record: %w", stage, model, err)
	}
	if rec.ModelName != model || rec.Stage != stage {
		return domain.DeploymentRecord{}, "", fmt.Errorf("slot %s/%s holds a record for %s/%s", stage, model, rec.Stage, rec.ModelName)
	}
	return rec, dir, nil
}

// RollbackCandidates lists recent runs other than the one currently in prod.
func (m *Machine) RollbackCandidates(ctx context.Context, model string, limit int) ([]domain.Run, error) {
	current, err := m.Current(ctx, model, domain.StageProd)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	fetch := 0
	if limit > 0 {
		fetch = limit + 1
	}
	runs, err := m.runs.ListRuns(ctx, model, fetch)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Run, 0, len(runs))
	for _, r := range runs {
		if r.RunID == current.Version {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
