package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/metrics"
	"github.com/animus-labs/modelops/internal/tracking"
)

// RemoteTrackingService writes every run locally first and mirrors it to a tracking
// server on a best-effort basis.
type RemoteTrackingService struct {
	local   *LocalIndex
	client  tracking.Client
	cfg     RemoteConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRemoteTrackingService(local *LocalIndex, client tracking.Client, cfg RemoteConfig, logger *slog.Logger, m *metrics.Metrics) *RemoteTrackingService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RemoteTrackingService{local: local, client: client, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

// retry runs op with a per-attempt timeout and exponential backoff. Client errors
// other than throttling stop the retries.
func (s *RemoteTrackingService) retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxElapsedTime = s.cfg.MaxElapsed
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		err := op(attemptCtx)
		if err != nil && tracking.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// LogRun never fails because of the remote side: a failed mirror is logged, counted
// and reported as an empty ref.
func (s *RemoteTrackingService) LogRun(ctx context.Context, run domain.Run) (string, error) {
	stored, err := s.local.upsert(ctx, run, "", true)
	if err != nil {
		return "", err
	}

	ref, uri, err := s.mirror(ctx, stored.run)
	if err != nil {
		s.logger.Warn("remote run logging failed; run kept locally",
			"model", stored.run.ModelName, "run_id", stored.run.RunID, "error", err)
		s.metrics.ObserveRegistrationSkipped("log_run")
		return "", nil
	}

	update := domain.Run{ModelName: stored.run.ModelName, RunID: stored.run.RunID, RemoteRef: ref}
	if _, err := s.local.upsert(context.WithoutCancel(ctx), update, uri, false); err != nil {
		s.logger.Warn("recording remote ref failed", "model", stored.run.ModelName, "run_id", stored.run.RunID, "remote_ref", ref, "error", err)
	}
	return ref, nil
}

func (s *RemoteTrackingService) mirror(ctx context.Context, run domain.Run) (string, string, error) {
	ref := run.RemoteRef
	if ref == "" {
		tags := map[string]string{"model_name": run.ModelName, "run_id": run.RunID}
		if run.DatasetID != "" {
			tags["dataset_id"] = run.DatasetID
		}
		err := s.retry(ctx, func(ctx context.Context) error {
			var err error
			ref, err = s.client.StartRun(ctx, run.ModelName, run.RunID, tags)
			return err
		})
		if err != nil {
			return "", "", err
		}
	}
	if len(run.Params) > 0 {
		if err := s.retry(ctx, func(ctx context.Context) error { return s.client.LogParams(ctx, ref, run.Params) }); err != nil {
			return "", "", err
		}
	}
	if len(run.Metrics) > 0 {
		if err := s.retry(ctx, func(ctx context.Context) error { return s.client.LogMetrics(ctx, ref, run.Metrics) }); err != nil {
			return "", "", err
		}
	}
	var uri string
	if run.ArtifactRef != "" {
		uri, _ = s.uploadArtifacts(ctx, run, ref)
	}
	return ref, uri, nil
}

// uploadArtifacts failures leave the run mirrored without artifacts; registration
// retries the upload.
func (s *RemoteTrackingService) uploadArtifacts(ctx context.Context, run domain.Run, ref string) (string, error) {
	var uri string
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		uri, err = s.client.LogArtifacts(ctx, ref, run.ArtifactRef)
		return err
	})
	if err != nil {
		s.logger.Warn("artifact upload failed", "model", run.ModelName, "run_id", run.RunID, "error", err)
		return "", err
	}
	return uri, nil
}

func (s *RemoteTrackingService) GetRun(ctx context.Context, model, runID string) (domain.Run, error) {
	return s.local.GetRun(ctx, model, runID)
}

func (s *RemoteTrackingService) ListRuns(ctx context.Context, model string, limit int) ([]domain.Run, error) {
	return s.local.ListRuns(ctx, model, limit)
}

// RegisterRun needs a run that was mirrored. Every failure wraps ErrBackendUnavailable.
func (s *RemoteTrackingService) RegisterRun(ctx context.Context, model, runID string, stage domain.Stage) (string, error) {
	version, err := s.register(ctx, model, runID, stage)
	if err != nil {
		s.metrics.ObserveRegistrationSkipped("register")
		s.logger.Warn("model registration skipped", "model", model, "run_id", runID, "stage", stage, "error", err)
		if errors.Is(err, domain.ErrBackendUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("register %s/%s: %w: %w", model, runID, domain.ErrBackendUnavailable, err)
	}
	s.logger.Info("model version registered", "model", model, "run_id", runID, "stage", stage, "version", version)
	return version, nil
}

func (s *RemoteTrackingService) register(ctx context.Context, model, runID string, stage domain.Stage) (string, error) {
	if !stage.Valid() {
		return "", domain.NewConfigError("invalid stage %q", stage)
	}
	if err := domain.ValidateName("model name", model); err != nil {
		return "", domain.NewConfigError("%v", err)
	}
	if err := domain.ValidateName("run id", runID); err != nil {
		return "", domain.NewConfigError("%v", err)
	}
	stored, err := s.local.read(model, runID)
	if err != nil {
		return "", fmt.Errorf("read run: %w", err)
	}
	if stored.run.RemoteRef == "" {
		return "", fmt.Errorf("run %s/%s was never logged remotely: %w", model, runID, domain.ErrBackendUnavailable)
	}

	uri := stored.remoteArtifactURI
	if uri == "" {
		if stored.run.ArtifactRef == "" {
			return "", fmt.Errorf("run %s/%s has no artifact", model, runID)
		}
		if uri, err = s.uploadArtifacts(ctx, stored.run, stored.run.RemoteRef); err != nil {
			return "", err
		}
		update := domain.Run{ModelName: model, RunID: runID}
		if _, err := s.local.upsert(ctx, update, uri, false); err != nil {
			s.logger.Warn("recording artifact uri failed", "model", model, "run_id", runID, "error", err)
		}
	}

	var version string
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		version, err = s.client.RegisterModelVersion(ctx, uri, model, stored.run.RemoteRef)
		return err
	})
	if err != nil {
		return "", err
	}
	err = s.retry(ctx, func(ctx context.Context) error { return s.client.TransitionStage(ctx, model, version, stage) })
	if err != nil {
		return "", err
	}
	return version, nil
}
