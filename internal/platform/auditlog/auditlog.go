// Package auditlog records deployment transitions in an append-only trail.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	ActionDeploy   = "deploy"
	ActionRollback = "rollback"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	Model      string
	Stage      string
	Version    string
	Outcome    string
	RequestID  string
	Detail     map[string]any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.Model) == "" {
		return errors.New("Model is required")
	}
	if strings.TrimSpace(e.Outcome) == "" {
		return errors.New("Outcome is required")
	}
	return nil
}

// Appender persists audit events. Implementations must be safe for concurrent use.
type Appender interface {
	Append(ctx context.Context, event Event) error
}

type record struct {
	OccurredAt      string          `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	Model           string          `json:"model_name"`
	Stage           string          `json:"stage"`
	Version         string          `json:"version"`
	Outcome         string          `json:"outcome"`
	RequestID       string          `json:"request_id,omitempty"`
	Detail          json.RawMessage `json:"detail"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

func normalize(event Event) (Event, []byte, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	if err := event.Validate(); err != nil {
		return Event{}, nil, err
	}
	detail := event.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return Event{}, nil, fmt.Errorf("marshal detail: %w", err)
	}
	return event, detailJSON, nil
}

// ComputeIntegritySHA256 hashes the canonical form of an event so tampering with a
// stored row is detectable.
func ComputeIntegritySHA256(event Event, detailJSON []byte) (string, error) {
	blob, err := json.Marshal(toRecord(event, detailJSON, ""))
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func toRecord(event Event, detailJSON []byte, integrity string) record {
	return record{
		OccurredAt:      event.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:           strings.TrimSpace(event.Actor),
		Action:          strings.TrimSpace(event.Action),
		Model:           strings.TrimSpace(event.Model),
		Stage:           strings.TrimSpace(event.Stage),
		Version:         strings.TrimSpace(event.Version),
		Outcome:         strings.TrimSpace(event.Outcome),
		RequestID:       strings.TrimSpace(event.RequestID),
		Detail:          detailJSON,
		IntegritySHA256: integrity,
	}
}

// NDJSONAppender appends one JSON line per event to a local file.
type NDJSONAppender struct {
	path string
	mu   sync.Mutex
}

func NewNDJSONAppender(path string) *NDJSONAppender {
	return &NDJSONAppender{path: path}
}

func (a *NDJSONAppender) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event, detailJSON, err := normalize(event)
	if err != nil {
		return err
	}
	integrity, err := ComputeIntegritySHA256(event, detailJSON)
	if err != nil {
		return err
	}
	line, err := json.Marshal(toRecord(event, detailJSON, integrity))
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresAppender inserts events into deployment_events.
type PostgresAppender struct {
	q QueryRower
}

func NewPostgresAppender(q QueryRower) *PostgresAppender {
	return &PostgresAppender{q: q}
}

func (a *PostgresAppender) Append(ctx context.Context, event Event) error {
	_, err := Insert(ctx, a.q, event)
	return err
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	event, detailJSON, err := normalize(event)
	if err != nil {
		return 0, err
	}
	integrity, err := ComputeIntegritySHA256(event, detailJSON)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if rid := strings.TrimSpace(event.RequestID); rid != "" {
		requestID = sql.NullString{String: rid, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO deployment_events (
			occurred_at,
			actor,
			action,
			model_name,
			stage,
			version,
			outcome,
			request_id,
			detail,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`,
		event.OccurredAt,
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.Model),
		strings.TrimSpace(event.Stage),
		strings.TrimSpace(event.Version),
		strings.TrimSpace(event.Outcome),
		requestID,
		detailJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert deployment event: %w", err)
	}
	return id, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Append(context.Context, Event) error { return nil }
