// Package postgres opens the optional Postgres database used for the deployment
// audit trail and cross-host slot locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/modelops/internal/platform/env"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Config struct {
	// URL is empty when Postgres is not configured.
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("MODELOPS_DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("MODELOPS_DATABASE_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("MODELOPS_DATABASE_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("MODELOPS_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             strings.TrimSpace(env.String("MODELOPS_DATABASE_URL", "")),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool { return c.URL != "" }

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.PingTimeout <= 0 {
		return errors.New("MODELOPS_DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("MODELOPS_DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("MODELOPS_DATABASE_MAX_IDLE_CONNS must be within 0..MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("MODELOPS_DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if !cfg.Enabled() {
		return nil, errors.New("MODELOPS_DATABASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS deployment_events (
	event_id     BIGSERIAL PRIMARY KEY,
	occurred_at      TIMESTAMPTZ NOT NULL,
	actor            TEXT NOT NULL,
	action           TEXT NOT NULL,
	model_name       TEXT NOT NULL,
	stage            TEXT NOT NULL,
	version          TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	request_id       TEXT,
	detail           JSONB NOT NULL DEFAULT '{}'::jsonb,
	integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deployment_events_model_idx ON deployment_events (model_name, occurred_at DESC);
`

// Migrate creates the tables modelops writes to.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
