// Package tracking talks to a remote experiment tracking service.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/modelops/internal/domain"
)

// Client is the remote side of the run registry. Refs are opaque to callers.
type Client interface {
	StartRun(ctx context.Context, model, runName string, tags map[string]string) (string, error)
	LogParams(ctx context.Context, ref string, params domain.Params) error
	LogMetrics(ctx context.Context, ref string, metrics domain.Metrics) error
	// LogArtifacts uploads every file under dir and returns the artifact URI.
	LogArtifacts(ctx context.Context, ref, dir string) (string, error)
	RegisterModelVersion(ctx context.Context, artifactURI, model, ref string) (string, error)
	TransitionStage(ctx context.Context, model, version string, stage domain.Stage) error
}

var ErrAlreadyExists = errors.New("tracking resource already exists")

// APIError is a non-2xx response from the tracking server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("tracking api error (status=%d code=%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("tracking api error (status=%d code=%s): %s", e.StatusCode, e.Code, msg)
}

// Is lets callers match RESOURCE_ALREADY_EXISTS with ErrAlreadyExists.
func (e *APIError) Is(target error) bool {
	return target == ErrAlreadyExists && e.Code == "RESOURCE_ALREADY_EXISTS"
}

// IsPermanent reports whether retrying err cannot succeed: client errors other than
// throttling, and context cancellation.
func IsPermanent(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}
