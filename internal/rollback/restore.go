package rollback

import (
	"context"
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/pkg/types"
)

// RestoreResult describes one restore outcome.
type RestoreResult struct {
	RestoreInstant   string
	SavepointTime    string
	RolledBack       []string
	RollbackInstants []string
}

// Restore returns the table to the state pinned by the savepoint at
// savepointTime by rolling back every newer instant, newest first. The
// restore plan is persisted before any rollback runs; re-invoking after a
// crash matches the pending plan by savepoint time and resumes it.
func (e *Engine) Restore(ctx context.Context, savepointTime string) (*RestoreResult, error) {
	if !types.ValidInstantTime(savepointTime) {
		return nil, apperr.NewValidationError(apperr.CodeBadInstantTime,
			"malformed instant time "+savepointTime)
	}
	if err := e.tl.Reload(ctx); err != nil {
		return nil, err
	}
	// Savepoints share the instant time of the commit they pin, so the
	// lookup is by (time, action), not time alone.
	if _, ok := e.tl.FilterByAction(timeline.ActionSavepoint).FilterCompleted().GetInstant(savepointTime); !ok {
		return nil, apperr.NewTimelineError(apperr.CodeSavepointNotFound,
			"no completed savepoint at "+savepointTime)
	}

	inst, plan, err := e.pendingRestore(ctx, savepointTime)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		inst, plan, err = e.planRestore(ctx, savepointTime)
		if err != nil {
			return nil, err
		}
	}
	if inst.State == timeline.StateRequested {
		if _, err := e.tl.TransitionToInflight(ctx, inst, nil); err != nil {
			return nil, err
		}
	}

	result := &RestoreResult{RestoreInstant: inst.Time, SavepointTime: savepointTime}
	for _, target := range plan.Targets {
		if err := e.tl.Reload(ctx); err != nil {
			return nil, err
		}
		res, err := e.Rollback(ctx, target)
		if err != nil {
			if apperr.GetCode(err) == apperr.CodeUnknownInstant {
				// Already erased by an earlier run of this restore whose
				// rollback record was itself cleaned up; nothing to undo.
				continue
			}
			return nil, err
		}
		result.RolledBack = append(result.RolledBack, target)
		result.RollbackInstants = append(result.RollbackInstants, res.RollbackInstant)
	}

	md, err := meta.Encode(&meta.RestoreMetadata{
		SavepointTime:    savepointTime,
		RolledBack:       result.RolledBack,
		RollbackInstants: result.RollbackInstants,
	})
	if err != nil {
		return nil, err
	}
	err = e.tm.WithLock(ctx, func(ctx context.Context) error {
		if _, _, err := e.tl.TransitionToCompleted(ctx, inst, md); err != nil {
			return err
		}
		return e.tl.Reload(ctx)
	})
	if err != nil {
		return nil, err
	}

	metrics.RestoresTotal.Inc()
	log.WithFields(log.Fields{
		"table":     e.basePath,
		"savepoint": savepointTime,
		"restore":   inst.Time,
		"targets":   len(result.RolledBack),
	}).Info("restore completed")
	return result, nil
}

// pendingRestore finds an unfinished restore for the same savepoint. A
// pending restore for a different savepoint blocks this one; a corrupted
// pending plan is discarded for regeneration.
func (e *Engine) pendingRestore(ctx context.Context, savepointTime string) (timeline.Instant, *meta.RestorePlan, error) {
	for _, inst := range e.tl.FilterPending().FilterByAction(timeline.ActionRestore).Instants() {
		payload, err := e.tl.ReadPayload(ctx, timeline.Instant{
			Time: inst.Time, Action: timeline.ActionRestore, State: timeline.StateRequested,
		})
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return timeline.Instant{}, nil, err
		}
		var plan meta.RestorePlan
		if err := meta.Decode(payload, &plan); err != nil {
			log.WithFields(log.Fields{"table": e.basePath, "restore": inst.Time}).
				Warn("restore: discarding corrupted plan")
			if err := e.tl.DeleteInstantFiles(ctx, inst.Time, timeline.ActionRestore); err != nil {
				return timeline.Instant{}, nil, err
			}
			metrics.CorruptPlansReplaced.Inc()
			if err := e.tl.Reload(ctx); err != nil {
				return timeline.Instant{}, nil, err
			}
			continue
		}
		if plan.SavepointTime == savepointTime {
			return inst, &plan, nil
		}
		return timeline.Instant{}, nil, apperr.NewConcurrencyError(apperr.CodeDuplicateInstant,
			"restore to "+plan.SavepointTime+" is already pending")
	}
	return timeline.Instant{}, nil, nil
}

// planRestore persists a fresh restore plan as a REQUESTED instant. Targets
// are every completed write instant after the savepoint plus any pending
// write or service instants there, newest first.
func (e *Engine) planRestore(ctx context.Context, savepointTime string) (timeline.Instant, *meta.RestorePlan, error) {
	var inst timeline.Instant
	var plan *meta.RestorePlan
	err := e.tm.WithLock(ctx, func(ctx context.Context) error {
		if err := e.tl.Reload(ctx); err != nil {
			return err
		}
		var targets []string
		for _, t := range e.tl.CompletedAfter(savepointTime) {
			targets = append(targets, t.Time)
		}
		for _, t := range e.tl.FilterPending().Instants() {
			if t.Time > savepointTime && t.Action.IsWrite() {
				targets = append(targets, t.Time)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(targets)))

		plan = &meta.RestorePlan{SavepointTime: savepointTime, Targets: targets}
		payload, err := meta.Encode(plan)
		if err != nil {
			return err
		}
		created, err := e.tl.CreateRequested(ctx, e.gen.Next(), timeline.ActionRestore, payload)
		if err != nil {
			return err
		}
		inst = created
		return nil
	})
	if err != nil {
		return timeline.Instant{}, nil, err
	}
	return inst, plan, nil
}
