// Package txn serializes timeline mutations. A pluggable lock provider
// gives mutual exclusion around the critical section "read timeline state,
// decide next transition, write new instant file"; read-only snapshot
// queries never acquire the lock.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
)

// LockProvider is a named mutual-exclusion capability supplied by the
// deployment environment.
type LockProvider interface {
	// Lock acquires the lock, blocking until acquired or ctx expires.
	Lock(ctx context.Context) error
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
	// Close releases any underlying resources.
	Close() error
}

// InProcessLock is a process-local lock provider for single-process
// deployments and tests.
type InProcessLock struct {
	sem chan struct{}
}

// NewInProcessLock creates an in-process lock provider.
func NewInProcessLock() *InProcessLock {
	return &InProcessLock{sem: make(chan struct{}, 1)}
}

// Lock implements LockProvider.
func (l *InProcessLock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.NewConcurrencyError(apperr.CodeLockTimeout, "in-process lock wait expired")
	}
}

// Unlock implements LockProvider.
func (l *InProcessLock) Unlock(ctx context.Context) error {
	select {
	case <-l.sem:
		return nil
	default:
		return apperr.NewInvariantError("unlock without matching lock")
	}
}

// Close implements LockProvider.
func (l *InProcessLock) Close() error { return nil }

// lockRecord is the payload of the storage lock object.
type lockRecord struct {
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at_unix_ms"`
	TTLMillis  int64  `json:"ttl_ms"`
}

// StorageLock implements LockProvider with an atomically created lock
// object in the table's object store. Requires a backend with atomic
// create. A lock older than its TTL is treated as abandoned and broken.
type StorageLock struct {
	store    storage.ObjectStore
	lockPath string
	owner    string
	ttl      time.Duration
	retry    time.Duration
}

// NewStorageLock creates a lock-file provider at lockPath.
func NewStorageLock(store storage.ObjectStore, lockPath string, ttl time.Duration) (*StorageLock, error) {
	if !store.AtomicCreate() {
		return nil, apperr.NewValidationError(apperr.CodeBadTransition,
			"storage lock requires a backend with atomic create")
	}
	host, _ := os.Hostname()
	return &StorageLock{
		store:    store,
		lockPath: lockPath,
		owner:    host + "/" + uuid.NewString(),
		ttl:      ttl,
		retry:    100 * time.Millisecond,
	}, nil
}

// Lock implements LockProvider by spinning on CreateIfAbsent with backoff.
func (l *StorageLock) Lock(ctx context.Context) error {
	for {
		rec, _ := json.Marshal(lockRecord{
			Owner:      l.owner,
			AcquiredAt: time.Now().UnixMilli(),
			TTLMillis:  l.ttl.Milliseconds(),
		})
		err := l.store.CreateIfAbsent(ctx, l.lockPath, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return apperr.NewStorageError(apperr.CodeIOFailed, "lock acquisition failed", err)
		}

		if err := l.breakIfExpired(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return apperr.NewConcurrencyError(apperr.CodeLockTimeout, "storage lock wait expired")
		case <-time.After(l.retry):
		}
	}
}

// breakIfExpired deletes the lock object when its TTL has lapsed, so a
// crashed holder cannot wedge the table forever.
func (l *StorageLock) breakIfExpired(ctx context.Context) error {
	data, err := l.store.Read(ctx, l.lockPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil // released between attempts
		}
		return apperr.NewStorageError(apperr.CodeIOFailed, "lock read failed", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unreadable lock record; treat as abandoned.
		return l.store.Delete(ctx, l.lockPath)
	}
	expiry := time.UnixMilli(rec.AcquiredAt).Add(time.Duration(rec.TTLMillis) * time.Millisecond)
	if time.Now().After(expiry) {
		return l.store.Delete(ctx, l.lockPath)
	}
	return nil
}

// Unlock implements LockProvider.
func (l *StorageLock) Unlock(ctx context.Context) error {
	return l.store.Delete(ctx, l.lockPath)
}

// Close implements LockProvider.
func (l *StorageLock) Close() error { return nil }
