// Package lock serializes transitions of one deployment slot. Every locker fails fast
// with domain.ErrContention instead of waiting.
package lock

import (
	"context"
	"sync"

	"github.com/animus-labs/modelops/internal/domain"
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func() error

type Locker interface {
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// SlotKey names the lock for a (model, stage) slot.
func SlotKey(model string, stage domain.Stage) string {
	return stage.String() + "." + model
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]struct{}{}}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrContention
	}
	l.held[key] = struct{}{}
	return once(func() error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}), nil
}

func once(fn func() error) Unlock {
	var o sync.Once
	var err error
	return func() error {
		o.Do(func() { err = fn() })
		return err
	}
}
