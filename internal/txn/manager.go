package txn

import (
	"context"
	"time"

	"github.com/arkilian/tidelake/internal/metrics"
)

// Manager wraps a lock provider with the engine's locking discipline.
type Manager struct {
	lock        LockProvider
	lockTimeout time.Duration
}

// NewManager creates a transaction manager. lockTimeout bounds every
// acquisition; on expiry the mutation fails with a retryable concurrency
// error rather than blocking forever.
func NewManager(lock LockProvider, lockTimeout time.Duration) *Manager {
	return &Manager{lock: lock, lockTimeout: lockTimeout}
}

// WithLock runs fn while holding the table lock. The critical section must
// re-read timeline state inside fn: the state observed before acquisition
// may have been changed by the previous holder.
func (m *Manager) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	start := time.Now()
	if err := m.lock.Lock(lockCtx); err != nil {
		return err
	}
	metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())

	defer m.lock.Unlock(ctx)
	return fn(ctx)
}

// Close releases the underlying lock provider.
func (m *Manager) Close() error {
	return m.lock.Close()
}
