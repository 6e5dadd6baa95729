// Package engine abstracts the compute harness table services run on. The
// core never assumes a particular runtime; it asks the engine for the
// capabilities it needs and degrades or refuses cleanly when one is missing.
package engine

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	apperr "github.com/arkilian/tidelake/internal/errors"
)

// Capability names one optional engine feature.
type Capability string

const (
	// CapParallelForEach runs independent work items concurrently.
	CapParallelForEach Capability = "parallel_foreach"
	// CapBoundedMemory promises the engine will not buffer unbounded input.
	CapBoundedMemory Capability = "bounded_memory"
)

// Engine is a minimal parallel-execution harness.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Supports reports whether the engine provides a capability.
	Supports(c Capability) bool
	// ForEach runs fn for each index in [0, n), possibly concurrently,
	// and returns the first error. On error outstanding work is cancelled
	// via ctx.
	ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error
}

// Require verifies the engine supports every listed capability, returning a
// descriptive error instead of failing mid-execution.
func Require(e Engine, caps ...Capability) error {
	for _, c := range caps {
		if !e.Supports(c) {
			return apperr.NewServiceError(apperr.CodeOperationFailed,
				"engine "+e.Name()+" lacks capability "+string(c), nil)
		}
	}
	return nil
}

// Local is the in-process engine: a bounded errgroup worker pool.
type Local struct {
	parallelism int
}

// NewLocal creates a local engine with the given worker bound; zero or
// negative means GOMAXPROCS.
func NewLocal(parallelism int) *Local {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Local{parallelism: parallelism}
}

// Name implements Engine.
func (l *Local) Name() string { return "local" }

// Supports implements Engine.
func (l *Local) Supports(c Capability) bool {
	switch c {
	case CapParallelForEach, CapBoundedMemory:
		return true
	}
	return false
}

// ForEach implements Engine.
func (l *Local) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}
