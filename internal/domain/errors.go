package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIntegrity          = errors.New("artifact integrity check failed")
	ErrUnverifiable       = errors.New("artifact has no checksum")
	ErrBackendUnavailable = errors.New("tracking backend unavailable")
	ErrNotFound           = errors.New("not found")
	ErrConfig             = errors.New("invalid configuration")
	ErrContention         = errors.New("deployment slot is locked by another transition")
)

// IntegrityError reports a checksum mismatch for a persisted artifact.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact integrity check failed for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// ConfigError aggregates configuration issues found during validation.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func (e *ConfigError) Add(format string, args ...any) {
	issue := strings.TrimSpace(fmt.Sprintf(format, args...))
	if issue == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// NewConfigError builds a ConfigError with a single issue.
func NewConfigError(format string, args ...any) error {
	e := &ConfigError{}
	e.Add(format, args...)
	return e
}
