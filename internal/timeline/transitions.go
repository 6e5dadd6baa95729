package timeline

import (
	"context"
	"errors"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
)

// State transitions write new instant files; they never modify existing
// ones. All structural transitions are expected to run under the
// transaction manager's lock except CreateRequested, which is safe alone
// because instant times are unique per generator.

// writeInstantFile publishes one instant file. On stores without atomic
// create the payload is written first and then a completion marker; readers
// ignore the file until the marker exists.
func (t *Timeline) writeInstantFile(ctx context.Context, i Instant, payload []byte, exclusive bool) error {
	p := t.InstantPath(i)
	if t.store.AtomicCreate() {
		if exclusive {
			return t.store.CreateIfAbsent(ctx, p, payload)
		}
		return t.store.Write(ctx, p, payload)
	}

	if exclusive {
		exists, err := t.store.Exists(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return storage.ErrAlreadyExists
		}
	}
	if err := t.store.Write(ctx, p, payload); err != nil {
		return err
	}
	return t.store.Write(ctx, p+completionSuffix, nil)
}

// CreateRequested opens a new instant in REQUESTED state. payload is the
// attached plan, or nil for plain writes.
func (t *Timeline) CreateRequested(ctx context.Context, instantTime string, action Action, payload []byte) (Instant, error) {
	inst := Instant{Time: instantTime, Action: action, State: StateRequested}
	err := t.writeInstantFile(ctx, inst, payload, true)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Instant{}, apperr.NewConcurrencyError(apperr.CodeDuplicateInstant,
				"instant "+instantTime+" already requested")
		}
		return Instant{}, apperr.NewStorageError(apperr.CodeIOFailed, "failed to create requested instant", err)
	}
	return inst, nil
}

// TransitionToInflight moves a REQUESTED instant to INFLIGHT.
func (t *Timeline) TransitionToInflight(ctx context.Context, i Instant, payload []byte) (Instant, error) {
	requested := Instant{Time: i.Time, Action: i.Action, State: StateRequested}
	exists, err := t.store.Exists(ctx, t.InstantPath(requested))
	if err != nil {
		return Instant{}, apperr.NewStorageError(apperr.CodeIOFailed, "failed to check requested instant", err)
	}
	if !exists {
		return Instant{}, apperr.NewTimelineError(apperr.CodeBadTransition,
			"cannot move "+i.Time+" to inflight: no requested instant")
	}

	inflight := Instant{Time: i.Time, Action: i.Action, State: StateInflight}
	// Re-publishing an inflight file is legal; a crashed writer's retry
	// lands on the same instant.
	if err := t.writeInstantFile(ctx, inflight, payload, false); err != nil {
		return Instant{}, apperr.NewStorageError(apperr.CodeIOFailed, "failed to create inflight instant", err)
	}
	return inflight, nil
}

// TransitionToCompleted moves an instant to its terminal COMPLETED state.
// Exactly one caller wins the transition; the loser gets won == false with
// no error and must treat its attempt as already satisfied.
func (t *Timeline) TransitionToCompleted(ctx context.Context, i Instant, payload []byte) (Instant, bool, error) {
	inflight := Instant{Time: i.Time, Action: i.Action, State: StateInflight}
	exists, err := t.store.Exists(ctx, t.InstantPath(inflight))
	if err != nil {
		return Instant{}, false, apperr.NewStorageError(apperr.CodeIOFailed, "failed to check inflight instant", err)
	}

	completed := Instant{Time: i.Time, Action: i.Action, State: StateCompleted}
	if !exists {
		// Either the transition order was violated, or another caller
		// already completed the instant and cleanup raced us.
		done, derr := t.store.Exists(ctx, t.InstantPath(completed))
		if derr != nil {
			return Instant{}, false, apperr.NewStorageError(apperr.CodeIOFailed, "failed to check completed instant", derr)
		}
		if done {
			return completed, false, nil
		}
		return Instant{}, false, apperr.NewTimelineError(apperr.CodeBadTransition,
			"cannot complete "+i.Time+": no inflight instant")
	}

	err = t.writeInstantFile(ctx, completed, payload, true)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return completed, false, nil
	}
	if err != nil {
		return Instant{}, false, apperr.NewStorageError(apperr.CodeIOFailed, "failed to create completed instant", err)
	}
	return completed, true, nil
}

// DeleteInstantFiles removes every persisted state file of an instant (and
// any completion markers). Used by rollback to erase the target from the
// logical timeline.
func (t *Timeline) DeleteInstantFiles(ctx context.Context, instantTime string, action Action) error {
	for _, state := range []State{StateCompleted, StateInflight, StateRequested} {
		p := t.InstantPath(Instant{Time: instantTime, Action: action, State: state})
		if err := t.store.Delete(ctx, p); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete instant file", err)
		}
		if err := t.store.Delete(ctx, p+completionSuffix); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete completion marker", err)
		}
	}
	return nil
}

// RevertToRequested deletes the INFLIGHT file of an instant while keeping
// its REQUESTED file and attached plan, so a crashed service execution can
// be cleaned up and retried against the same plan.
func (t *Timeline) RevertToRequested(ctx context.Context, instantTime string, action Action) error {
	p := t.InstantPath(Instant{Time: instantTime, Action: action, State: StateInflight})
	if err := t.store.Delete(ctx, p); err != nil {
		return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete inflight instant file", err)
	}
	if err := t.store.Delete(ctx, p+completionSuffix); err != nil {
		return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete completion marker", err)
	}
	return nil
}

// DeletePendingFiles removes the REQUESTED/INFLIGHT files of an instant,
// keeping the completed file. Used when re-requesting a crashed service run.
func (t *Timeline) DeletePendingFiles(ctx context.Context, instantTime string, action Action) error {
	for _, state := range []State{StateInflight, StateRequested} {
		p := t.InstantPath(Instant{Time: instantTime, Action: action, State: state})
		if err := t.store.Delete(ctx, p); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete pending instant file", err)
		}
		if err := t.store.Delete(ctx, p+completionSuffix); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "failed to delete completion marker", err)
		}
	}
	return nil
}
