package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/animus-labs/modelops/internal/domain"
)

// FileLocker holds a non-blocking flock on <dir>/<key>.lock. The kernel drops the
// lock when the process dies, so a crashed deploy never wedges a slot.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateName("lock key", key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, key+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", key, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrContention)
		}
		return nil, fmt.Errorf("flock %s: %w", key, err)
	}
	return once(func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return errors.Join(unlockErr, f.Close())
	}), nil
}
