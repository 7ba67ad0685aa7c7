package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/modelops/internal/canary"
	"github.com/animus-labs/modelops/internal/deploy"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/monitor"
	"github.com/animus-labs/modelops/internal/platform/auth"
	"github.com/animus-labs/modelops/internal/platform/env"
	"github.com/animus-labs/modelops/internal/platform/httpserver"
	"github.com/animus-labs/modelops/internal/platform/metrics"
)

const (
	serviceName = "modelops"

	trackCanary   = "canary"
	trackBaseline = "baseline"

	maxObservationBytes = 1 << 20
)

// defaultVerdictKPIs apply when canary.kpis is not configured.
var defaultVerdictKPIs = []string{monitor.KPISuccessRate}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	var window int
	var shutdown time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve canary observations, verdicts, deployment state and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			authCfg, err := auth.ConfigFromEnv()
			if err != nil {
				return domain.NewConfigError("%v", err)
			}
			a, err := c.open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			s := newServer(c.logger, a.metrics, a.machine, a.cfg.Canary, a.cfg.Deploy, window)
			var handler http.Handler = s.routes(httpserver.ReadinessCheck{Name: "workspace", Check: a.readyChecks})
			if authCfg.Mode == auth.ModeToken {
				handler = auth.Middleware{
					Logger:        c.logger,
					Authenticator: auth.NewTokenAuthenticator(authCfg.Grants),
					SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
				}.Wrap(handler)
			}
			return httpserver.Run(cmd.Context(), c.logger, httpserver.Config{
				Service:         serviceName,
				Addr:            addr,
				ShutdownTimeout: shutdown,
			}, httpserver.Wrap(c.logger, handler))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", env.String("MODELOPS_HTTP_ADDR", ":8080"), "listen address")
	cmd.Flags().IntVar(&window, "window", monitor.DefaultWindowSize, "observations kept per model and track")
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	return cmd
}

type slotReader interface {
	Current(ctx context.Context, model string, stage domain.Stage) (domain.DeploymentRecord, error)
}

type tracks struct {
	canary   *monitor.Monitor
	baseline *monitor.Monitor
}

type server struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	slots     slotReader
	canaryCfg canary.Config
	deployCfg deploy.Config
	window    int

	mu     sync.Mutex
	models map[string]*tracks
}

func newServer(logger *slog.Logger, m *metrics.Metrics, slots slotReader, canaryCfg canary.Config, deployCfg deploy.Config, window int) *server {
	return &server{
		logger:    logger,
		metrics:   m,
		slots:     slots,
		canaryCfg: canaryCfg,
		deployCfg: deployCfg,
		window:    window,
		models:    make(map[string]*tracks),
	}
}

func (s *server) routes(checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(serviceName, checks...))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /v1/canary/{model}/observations", s.handleObservation)
	mux.HandleFunc("GET /v1/canary/{model}/verdict", s.handleVerdict)
	mux.HandleFunc("GET /v1/models/{model}/deployments/{stage}", s.handleDeployment)
	mux.HandleFunc("GET /v1/models/{model}/deployments/{stage}/serving-spec", s.handleServingSpec)
	return mux
}

// tracksFor returns nil for unseen models unless create is set.
func (s *server) tracksFor(model string, create bool) *tracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.models[model]
	if !ok && create {
		t = &tracks{canary: monitor.New(s.window), baseline: monitor.New(s.window)}
		s.models[model] = t
	}
	return t
}

// trackDeployed returns the monitors of model, creating them only when the model has a
// deployed slot in some stage. Monitors are never created for arbitrary names.
func (s *server) trackDeployed(ctx context.Context, model string) (*tracks, error) {
	if t := s.tracksFor(model, false); t != nil {
		return t, nil
	}
	for _, stage := range domain.Stages {
		_, err := s.slots.Current(ctx, model, stage)
		if err == nil {
			return s.tracksFor(model, true), nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("model %s has no deployment: %w", model, domain.ErrNotFound)
}

type observation struct {
	Track          string   `json:"track"`
	Prediction     *float64 `json:"prediction"`
	LatencySeconds *float64 `json:"latency_seconds"`
	Error          bool     `json:"error"`
}

func (o observation) validate() error {
	switch o.Track {
	case trackCanary, trackBaseline:
	default:
		return errors.New(`track must be "canary" or "baseline"`)
	}
	if o.Prediction == nil && o.LatencySeconds == nil && !o.Error {
		return errors.New("observation needs a prediction, a latency or an error")
	}
	if o.Prediction != nil && !finite(*o.Prediction) {
		return errors.New("prediction must be finite")
	}
	if o.LatencySeconds != nil && (!finite(*o.LatencySeconds) || *o.LatencySeconds < 0) {
		return errors.New("latency_seconds must be a finite number >= 0")
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func (s *server) handleObservation(w http.ResponseWriter, r *http.Request) {
	model, ok := modelParam(w, r)
	if !ok {
		return
	}
	var obs observation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxObservationBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obs); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	obs.Track = strings.ToLower(strings.TrimSpace(obs.Track))
	if err := obs.validate(); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_observation", err.Error())
		return
	}

	t, err := s.trackDeployed(r.Context(), model)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_deployed", err.Error())
		return
	case err != nil:
		s.logger.Error("read deployment slots", "model", model, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	m := t.canary
	if obs.Track == trackBaseline {
		m = t.baseline
	}
	if obs.Prediction != nil {
		m.RecordPrediction(*obs.Prediction)
	}
	if obs.LatencySeconds != nil {
		m.RecordLatency(*obs.LatencySeconds)
	}
	if obs.Error {
		m.RecordError()
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"model_name": model, "track": obs.Track})
}

type verdictResponse struct {
	Model    string         `json:"model_name"`
	Canary   domain.Metrics `json:"canary_kpis"`
	Baseline domain.Metrics `json:"baseline_kpis"`
	Result   canary.Result  `json:"result"`
	Drift    *monitor.Drift `json:"drift,omitempty"`
}

func (s *server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	model, ok := modelParam(w, r)
	if !ok {
		return
	}
	t := s.tracksFor(model, false)
	if t == nil {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "no observations for "+model)
		return
	}

	canaryKPIs, baselineKPIs := t.canary.KPIs(), t.baseline.KPIs()
	names := defaultVerdictKPIs
	if len(s.canaryCfg.KPIs) > 0 {
		names = s.canaryCfg.KPINames(canaryKPIs)
	}
	res := canary.CompareKPIs(canaryKPIs, baselineKPIs, names, s.canaryCfg.TolerancePct)
	s.metrics.ObserveCanary(model, res.OK)

	resp := verdictResponse{Model: model, Canary: canaryKPIs, Baseline: baselineKPIs, Result: res}
	if ref, ok := t.baseline.DriftLite(nil, nil); ok {
		if drift, ok := t.canary.DriftLite(&ref.CurrentMean, &ref.CurrentStd); ok {
			resp.Drift = &drift
		}
	}
	logger := s.logger
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		logger = logger.With("subject", id.Subject)
	}
	logger.Info("canary verdict", "model", model, "ok", res.OK)
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) currentSlot(w http.ResponseWriter, r *http.Request) (domain.DeploymentRecord, domain.Stage, bool) {
	model, ok := modelParam(w, r)
	if !ok {
		return domain.DeploymentRecord{}, "", false
	}
	stage, err := domain.ParseStage(r.PathValue("stage"))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_stage", err.Error())
		return domain.DeploymentRecord{}, "", false
	}
	rec, err := s.slots.Current(r.Context(), model, stage)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "nothing deployed to "+stage.String())
		return domain.DeploymentRecord{}, "", false
	case err != nil:
		s.logger.Error("read deployment slot", "model", model, "stage", stage, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return domain.DeploymentRecord{}, "", false
	}
	return rec, stage, true
}

func (s *server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	if rec, _, ok := s.currentSlot(w, r); ok {
		httpserver.WriteJSON(w, http.StatusOK, rec)
	}
}

func (s *server) handleServingSpec(w http.ResponseWriter, r *http.Request) {
	if rec, stage, ok := s.currentSlot(w, r); ok {
		httpserver.WriteJSON(w, http.StatusOK, deploy.GetServingSpec(rec.ModelName, rec.Version, rec.ArtifactPath, stage, s.deployCfg))
	}
}

func modelParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	model := r.PathValue("model")
	if err := domain.ValidateName("model name", model); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_model", err.Error())
		return "", false
	}
	return model, true
}
