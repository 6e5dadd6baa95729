package rollback

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
	"github.com/arkilian/tidelake/pkg/types"
)

const defaultParallelism = 8

// Engine plans and executes rollbacks and restores. Every rollback persists
// its plan as a REQUESTED rollback instant before touching data files;
// re-invoking after a crash resumes from the persisted plan.
type Engine struct {
	store       storage.ObjectStore
	basePath    string
	tl          *timeline.Timeline
	tm          *txn.Manager
	gen         *types.TimeGenerator
	policy      MarkerValidityPolicy
	index       *fsview.IndexView
	parallelism int
}

// NewEngine creates a rollback engine for one table.
func NewEngine(store storage.ObjectStore, basePath string, tl *timeline.Timeline, tm *txn.Manager, gen *types.TimeGenerator) *Engine {
	return &Engine{
		store:       store,
		basePath:    basePath,
		tl:          tl,
		tm:          tm,
		gen:         gen,
		policy:      DefaultMarkerPolicy,
		parallelism: defaultParallelism,
	}
}

// SetMarkerPolicy overrides the marker-completeness policy.
func (e *Engine) SetMarkerPolicy(p MarkerValidityPolicy) {
	if p != nil {
		e.policy = p
	}
}

// SetIndex attaches the file index so rolled-back instants are evicted
// from it after completion.
func (e *Engine) SetIndex(idx *fsview.IndexView) {
	e.index = idx
}

// Result describes one rollback outcome.
type Result struct {
	// RollbackInstant is the time of the rollback instant that undid the
	// target, whether created by this call or found already completed.
	RollbackInstant string
	TargetInstant   string
	FilesDeleted    int
	LogsTruncated   int
	// AlreadyDone reports that a completed rollback for the target existed
	// before this call; nothing was executed.
	AlreadyDone bool
}

// Rollback undoes the instant at targetTime: data files it created are
// removed, then its timeline files are erased. The operation is idempotent;
// a second invocation (or a crash-interrupted retry) converges on the same
// completed rollback instant.
func (e *Engine) Rollback(ctx context.Context, targetTime string) (*Result, error) {
	if !types.ValidInstantTime(targetTime) {
		return nil, apperr.NewValidationError(apperr.CodeBadInstantTime,
			"malformed instant time "+targetTime)
	}
	if err := e.tl.Reload(ctx); err != nil {
		return nil, err
	}

	// A completed rollback for the target makes this call a no-op; at most
	// one such instant may ever exist.
	if done, md, ok, err := e.tl.CompletedRollbackFor(ctx, targetTime); err != nil {
		return nil, err
	} else if ok {
		return &Result{
			RollbackInstant: done.Time,
			TargetInstant:   targetTime,
			FilesDeleted:    md.FilesDeleted,
			LogsTruncated:   md.LogsTruncated,
			AlreadyDone:     true,
		}, nil
	}

	inst, plan, err := e.pendingOrNewPlan(ctx, targetTime)
	if err != nil {
		// Planning can fail in arbitrary ways once a concurrent rollback of
		// the same target finishes and starts erasing it; any planning error
		// re-checks for the winner's completed rollback before surfacing.
		if rlerr := e.tl.Reload(ctx); rlerr == nil {
			if done, md, ok, rerr := e.tl.CompletedRollbackFor(ctx, targetTime); rerr == nil && ok {
				return &Result{
					RollbackInstant: done.Time,
					TargetInstant:   targetTime,
					FilesDeleted:    md.FilesDeleted,
					LogsTruncated:   md.LogsTruncated,
					AlreadyDone:     true,
				}, nil
			}
		}
		return nil, err
	}
	return e.execute(ctx, inst, plan)
}

// pendingOrNewPlan resumes a pending rollback of the target, regenerating
// its plan if the persisted copy is corrupted, or creates a fresh plan.
func (e *Engine) pendingOrNewPlan(ctx context.Context, targetTime string) (timeline.Instant, *meta.RollbackPlan, error) {
	pending, plan, found, err := e.tl.PendingRollbackFor(ctx, targetTime)
	if err != nil {
		if !found || apperr.GetCode(err) != apperr.CodePlanCorrupted {
			return timeline.Instant{}, nil, err
		}
		// Corrupted persisted plan: discard the instant and regenerate. The
		// target must still be present to regenerate from.
		log.WithFields(log.Fields{
			"table":    e.basePath,
			"target":   targetTime,
			"rollback": pending.Time,
		}).Warn("rollback: discarding corrupted plan")
		if _, ok := e.tl.GetInstant(targetTime); !ok {
			return timeline.Instant{}, nil, apperr.NewRollbackError(apperr.CodeRollbackStuck,
				"corrupted rollback plan and target "+targetTime+" is gone", nil)
		}
		if err := e.tl.DeleteInstantFiles(ctx, pending.Time, timeline.ActionRollback); err != nil {
			return timeline.Instant{}, nil, err
		}
		metrics.CorruptPlansReplaced.Inc()
		if err := e.tl.Reload(ctx); err != nil {
			return timeline.Instant{}, nil, err
		}
		found = false
	}
	if found {
		return pending, plan, nil
	}

	// Savepoints share their pinned commit's instant time, so the target
	// lookup is restricted to write actions.
	var target timeline.Instant
	found = false
	for _, inst := range e.tl.Instants() {
		if inst.Time == targetTime && inst.Action.IsWrite() {
			target, found = inst, true
			break
		}
	}
	if !found {
		if _, ok := e.tl.GetInstant(targetTime); ok {
			return timeline.Instant{}, nil, apperr.NewValidationError(apperr.CodeBadTransition,
				"instant at "+targetTime+" is not a write instant")
		}
		return timeline.Instant{}, nil, apperr.NewTimelineError(apperr.CodeUnknownInstant,
			"no instant at "+targetTime)
	}
	for _, sp := range e.tl.FilterByAction(timeline.ActionSavepoint).FilterCompleted().Instants() {
		if sp.Time >= targetTime {
			return timeline.Instant{}, nil, apperr.NewValidationError(apperr.CodeBadTransition,
				"instant "+targetTime+" is pinned by savepoint "+sp.Time)
		}
	}

	plan, err = e.generatePlan(ctx, target)
	if err != nil {
		return timeline.Instant{}, nil, err
	}
	payload, err := meta.Encode(plan)
	if err != nil {
		return timeline.Instant{}, nil, err
	}

	var inst timeline.Instant
	err = e.tm.WithLock(ctx, func(ctx context.Context) error {
		// Re-check under the lock: another process may have begun or
		// finished the same rollback since our reload.
		if err := e.tl.Reload(ctx); err != nil {
			return err
		}
		if _, _, ok, err := e.tl.CompletedRollbackFor(ctx, targetTime); err != nil {
			return err
		} else if ok {
			return apperr.NewConcurrencyError(apperr.CodeDuplicateInstant,
				"rollback of "+targetTime+" already completed")
		}
		if p, existing, ok, err := e.tl.PendingRollbackFor(ctx, targetTime); err == nil && ok {
			inst, plan = p, existing
			return nil
		} else if err != nil {
			return err
		}
		created, err := e.tl.CreateRequested(ctx, e.gen.Next(), timeline.ActionRollback, payload)
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

// generatePlan builds the undo actions for a target instant. Pending targets
// with a usable marker manifest get targeted marker-based deletion; completed
// targets and targets with unusable markers fall back to partition-scoped
// listing.
func (e *Engine) generatePlan(ctx context.Context, target timeline.Instant) (*meta.RollbackPlan, error) {
	plan := &meta.RollbackPlan{
		TargetInstant:      target.Time,
		TargetAction:       string(target.Action),
		TargetWasCompleted: target.IsCompleted(),
	}

	if target.IsPending() {
		markers := NewMarkerManifest(e.store, e.basePath, target.Time)
		paths, err := markers.List(ctx)
		if err != nil {
			return nil, err
		}
		expected := e.expectedFiles(ctx, target)
		if e.policy(len(paths), expected) {
			sort.Strings(paths)
			plan.MarkerBased = true
			for _, p := range paths {
				plan.Actions = append(plan.Actions, meta.FileAction{
					Type: meta.ActionDeleteFile,
					Path: p,
				})
				plan.TouchedPartitions = appendPartition(plan.TouchedPartitions, path.Dir(p))
			}
			sort.Strings(plan.TouchedPartitions)
			return plan, nil
		}
	}

	partitions, err := e.partitionsForTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, partition := range partitions {
		actions, err := e.listPartitionActions(ctx, partition, target.Time)
		if err != nil {
			return nil, err
		}
		plan.Actions = append(plan.Actions, actions...)
	}
	plan.TouchedPartitions = partitions
	return plan, nil
}

// expectedFiles returns the file count the writer declared in its inflight
// metadata, or zero when undeclared or unreadable.
func (e *Engine) expectedFiles(ctx context.Context, target timeline.Instant) int {
	payload, err := e.tl.ReadPayload(ctx, timeline.Instant{
		Time: target.Time, Action: target.Action, State: timeline.StateInflight,
	})
	if err != nil || len(payload) == 0 {
		return 0
	}
	var md meta.InflightMetadata
	if err := meta.Decode(payload, &md); err != nil {
		return 0
	}
	return md.ExpectedFiles
}

// partitionsForTarget resolves the partitions a listing-based rollback must
// scan: commit metadata for completed targets, declared inflight metadata or
// the attached service plan for pending ones, the whole table as a last
// resort.
func (e *Engine) partitionsForTarget(ctx context.Context, target timeline.Instant) ([]string, error) {
	if target.IsCompleted() {
		md, err := e.tl.ReadCommitMetadata(ctx, target)
		if err != nil {
			return nil, err
		}
		partitions := md.TouchedPartitions()
		sort.Strings(partitions)
		return partitions, nil
	}

	if payload, err := e.tl.ReadPayload(ctx, timeline.Instant{
		Time: target.Time, Action: target.Action, State: timeline.StateInflight,
	}); err == nil && len(payload) > 0 {
		var md meta.InflightMetadata
		if err := meta.Decode(payload, &md); err == nil && len(md.DeclaredPartitions) > 0 {
			partitions := append([]string(nil), md.DeclaredPartitions...)
			sort.Strings(partitions)
			return partitions, nil
		}
	}

	if target.Action.IsTableService() {
		if partitions, ok := e.servicePlanPartitions(ctx, target); ok {
			return partitions, nil
		}
	}

	return e.listAllPartitions(ctx)
}

// servicePlanPartitions extracts partitions from the plan attached to a
// REQUESTED service instant.
func (e *Engine) servicePlanPartitions(ctx context.Context, target timeline.Instant) ([]string, bool) {
	payload, err := e.tl.ReadPayload(ctx, timeline.Instant{
		Time: target.Time, Action: target.Action, State: timeline.StateRequested,
	})
	if err != nil || len(payload) == 0 {
		return nil, false
	}

	var partitions []string
	switch target.Action {
	case timeline.ActionCompaction, timeline.ActionLogCompaction:
		var plan meta.CompactionPlan
		if err := meta.Decode(payload, &plan); err != nil {
			return nil, false
		}
		for _, op := range plan.Operations {
			partitions = appendPartition(partitions, op.Partition)
		}
	case timeline.ActionReplace:
		var plan meta.ClusteringPlan
		if err := meta.Decode(payload, &plan); err != nil {
			return nil, false
		}
		for _, g := range plan.Groups {
			for _, s := range g.InputSlices {
				partitions = appendPartition(partitions, s.Partition)
			}
		}
	default:
		return nil, false
	}
	sort.Strings(partitions)
	return partitions, len(partitions) > 0
}

// listAllPartitions scans the table for every partition holding data files.
func (e *Engine) listAllPartitions(ctx context.Context) ([]string, error) {
	entries, err := e.store.List(ctx, e.basePath+"/")
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeIOFailed, "partition scan failed", err)
	}
	seen := make(map[string]bool)
	var partitions []string
	for _, entry := range entries {
		rel := strings.TrimPrefix(entry.Path, e.basePath+"/")
		if strings.HasPrefix(rel, timeline.TimelineDir+"/") || !strings.Contains(rel, "/") {
			continue
		}
		partition := path.Dir(rel)
		if !seen[partition] {
			seen[partition] = true
			partitions = append(partitions, partition)
		}
	}
	sort.Strings(partitions)
	return partitions, nil
}

// listPartitionActions lists one partition and emits delete actions for
// every data file stamped with the target instant time.
func (e *Engine) listPartitionActions(ctx context.Context, partition, targetTime string) ([]meta.FileAction, error) {
	prefix := path.Join(e.basePath, partition) + "/"
	entries, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeIOFailed, "partition listing failed", err)
	}
	var actions []meta.FileAction
	for _, entry := range entries {
		rel := strings.TrimPrefix(entry.Path, e.basePath+"/")
		if strings.Count(rel, "/") != strings.Count(partition, "/")+1 {
			continue
		}
		b, l, ok := fsview.ParseDataFileName(partition, entry.Path)
		if !ok {
			continue
		}
		switch {
		case b != nil && b.InstantTime == targetTime:
			actions = append(actions, meta.FileAction{Type: meta.ActionDeleteFile, Path: rel})
		case l != nil && l.InstantTime == targetTime:
			actions = append(actions, meta.FileAction{Type: meta.ActionDeleteFile, Path: rel})
		}
	}
	return actions, nil
}

func appendPartition(partitions []string, p string) []string {
	for _, existing := range partitions {
		if existing == p {
			return partitions
		}
	}
	return append(partitions, p)
}

// execute drives a planned rollback to completion: inflight transition,
// parallel undo actions, marker cleanup, completion, and erasure of the
// target's timeline files.
func (e *Engine) execute(ctx context.Context, inst timeline.Instant, plan *meta.RollbackPlan) (*Result, error) {
	if inst.State == timeline.StateRequested {
		if _, err := e.tl.TransitionToInflight(ctx, inst, nil); err != nil {
			return nil, err
		}
	}

	if err := e.applyActions(ctx, plan.Actions); err != nil {
		return nil, err
	}
	if err := NewMarkerManifest(e.store, e.basePath, plan.TargetInstant).DeleteAll(ctx); err != nil {
		return nil, err
	}

	deleted, truncated := 0, 0
	for _, a := range plan.Actions {
		if a.Type == meta.ActionTruncateLog {
			truncated++
		} else {
			deleted++
		}
	}
	md, err := meta.Encode(&meta.RollbackMetadata{
		TargetInstant: plan.TargetInstant,
		FilesDeleted:  deleted,
		LogsTruncated: truncated,
	})
	if err != nil {
		return nil, err
	}

	err = e.tm.WithLock(ctx, func(ctx context.Context) error {
		if _, _, err := e.tl.TransitionToCompleted(ctx, inst, md); err != nil {
			return err
		}
		// Erase the target only after the rollback is durably completed, so
		// a crash in between leaves a resumable state rather than a target
		// with no record of its undoing.
		if err := e.tl.DeleteInstantFiles(ctx, plan.TargetInstant, timeline.Action(plan.TargetAction)); err != nil {
			return err
		}
		return e.tl.Reload(ctx)
	})
	if err != nil {
		return nil, err
	}

	if e.index != nil {
		if err := e.index.Forget(ctx, plan.TargetInstant); err != nil {
			// The index self-heals on the next sync; the rollback itself is
			// already durable.
			log.WithFields(log.Fields{"target": plan.TargetInstant, "err": err}).
				Warn("rollback: file index eviction failed")
		}
	}
	metrics.RollbacksTotal.Inc()
	log.WithFields(log.Fields{
		"table":    e.basePath,
		"target":   plan.TargetInstant,
		"rollback": inst.Time,
		"deleted":  deleted,
		"marker":   plan.MarkerBased,
	}).Info("rollback completed")

	return &Result{
		RollbackInstant: inst.Time,
		TargetInstant:   plan.TargetInstant,
		FilesDeleted:    deleted,
		LogsTruncated:   truncated,
	}, nil
}

// applyActions runs the plan's undo actions with bounded parallelism. Every
// action is idempotent: deleting an absent file and truncating an
// already-short log both succeed.
func (e *Engine) applyActions(ctx context.Context, actions []meta.FileAction) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, a := range actions {
		g.Go(func() error {
			full := path.Join(e.basePath, a.Path)
			switch a.Type {
			case meta.ActionDeleteFile:
				if err := e.store.Delete(ctx, full); err != nil {
					return apperr.NewStorageError(apperr.CodeIOFailed, "undo delete failed", err)
				}
				return nil
			case meta.ActionTruncateLog:
				return e.truncateLog(ctx, full, a.KeepLength)
			default:
				return apperr.NewInvariantError("unknown rollback action " + string(a.Type))
			}
		})
	}
	return g.Wait()
}

// truncateLog cuts a log file back to keep bytes. Object stores have no
// truncate, so the prefix is rewritten; a missing or already-short file is
// left alone.
func (e *Engine) truncateLog(ctx context.Context, fullPath string, keep int64) error {
	data, err := e.store.Read(ctx, fullPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil
		}
		return apperr.NewStorageError(apperr.CodeIOFailed, "undo truncate read failed", err)
	}
	if int64(len(data)) <= keep {
		return nil
	}
	if err := e.store.Write(ctx, fullPath, data[:keep]); err != nil {
		return apperr.NewStorageError(apperr.CodeIOFailed, "undo truncate write failed", err)
	}
	return nil
}
