// Package storage provides the object-store abstraction the engine runs on.
// The timeline, file slices, markers, and persisted plans are all plain
// objects; implementations cover the local filesystem and S3.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrAlreadyExists  = errors.New("object already exists")
	ErrReadFailed     = errors.New("read failed")
	ErrWriteFailed    = errors.New("write failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Entry describes one listed object.
type Entry struct {
	// Path is the object path relative to the store root.
	Path string
	// Size is the object size in bytes.
	Size int64
}

// ObjectStore abstracts the remote file store holding a table.
//
// Stores without atomic create (AtomicCreate() == false) force callers to
// publish files with companion completion markers; the timeline detects and
// works around this per backend.
type ObjectStore interface {
	// List returns all entries under the given prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Read returns the full contents of an object.
	// Returns ErrObjectNotFound if the object does not exist.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores data at path, replacing any existing object.
	Write(ctx context.Context, path string, data []byte) error

	// CreateIfAbsent stores data at path only if no object exists there.
	// Returns ErrAlreadyExists when the object is already present. Only
	// meaningful on stores where AtomicCreate reports true.
	CreateIfAbsent(ctx context.Context, path string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, path string) (bool, error)

	// AtomicCreate reports whether CreateIfAbsent is genuinely atomic on
	// this backend.
	AtomicCreate() bool
}
