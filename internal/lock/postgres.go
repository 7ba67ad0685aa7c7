package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/modelops/internal/domain"
)

// PostgresLocker uses session advisory locks so hosts sharing a database exclude each
// other. The lock lives on a pinned connection for as long as it is held.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", key, domain.ErrContention)
	}
	return once(func() error {
		var released bool
		err := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&released)
		if err == nil && !released {
			err = fmt.Errorf("advisory lock %s was not held", key)
		}
		return errors.Join(err, conn.Close())
	}), nil
}
