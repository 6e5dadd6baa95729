// Package table is the engine's front door: it wires the timeline, file
// system view, transaction manager, rollback engine, and table services
// into one handle and exposes the table's operations.
package table

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/engine"
	"github.com/arkilian/tidelake/internal/fileio"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/rollback"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/tableservice"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
	"github.com/arkilian/tidelake/pkg/types"
)

// Options tunes an opened table.
type Options struct {
	// Lock is the mutual-exclusion provider; nil means a process-local lock.
	Lock txn.LockProvider
	// LockTimeout bounds lock acquisition.
	LockTimeout time.Duration
	// IndexPath is the SQLite file of the index-backed view; empty disables
	// the index and serves every query from listing.
	IndexPath string
	// MarkerPolicy overrides the marker-completeness policy for rollbacks.
	MarkerPolicy rollback.MarkerValidityPolicy
	// MaxClockSkew widens the monotonic instant-time generator's guard
	// against wall-clock regression.
	MaxClockSkew time.Duration
	// ServicePolicy orders pending table-service executions.
	ServicePolicy tableservice.SelectionPolicy
	// ServiceParallelism bounds concurrent service operations.
	ServiceParallelism int
	// Planner tunes service candidate selection.
	Planner tableservice.PlannerConfig
}

// Table is one open table handle.
type Table struct {
	store    storage.ObjectStore
	basePath string
	tl       *timeline.Timeline
	tm       *txn.Manager
	gen      *types.TimeGenerator
	io       *fileio.IO
	rb       *rollback.Engine
	svc      *tableservice.Scheduler

	index     *fsview.FileIndex
	indexView *fsview.IndexView
	view      fsview.View
	policy    rollback.MarkerValidityPolicy
}

// Open wires a table handle rooted at basePath and loads its timeline.
func Open(ctx context.Context, store storage.ObjectStore, basePath string, opts Options) (*Table, error) {
	if opts.Lock == nil {
		opts.Lock = txn.NewInProcessLock()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.MarkerPolicy == nil {
		opts.MarkerPolicy = rollback.DefaultMarkerPolicy
	}

	tl := timeline.New(store, basePath)
	if err := tl.Reload(ctx); err != nil {
		return nil, err
	}

	t := &Table{
		store:    store,
		basePath: basePath,
		tl:       tl,
		tm:       txn.NewManager(opts.Lock, opts.LockTimeout),
		gen:      types.NewTimeGenerator(opts.MaxClockSkew),
		io:       fileio.New(store, basePath),
		policy:   opts.MarkerPolicy,
	}

	listing := fsview.NewListingView(store, basePath, tl)
	t.view = listing
	if opts.IndexPath != "" {
		index, err := fsview.NewFileIndex(opts.IndexPath)
		if err != nil {
			return nil, err
		}
		t.index = index
		t.indexView = fsview.NewIndexView(index, tl)
		if err := t.indexView.Sync(ctx); err != nil {
			return nil, err
		}
		t.view = fsview.NewPriorityView(t.indexView, listing)
	}

	t.rb = rollback.NewEngine(store, basePath, tl, t.tm, t.gen)
	t.rb.SetMarkerPolicy(opts.MarkerPolicy)
	if t.indexView != nil {
		t.rb.SetIndex(t.indexView)
	}

	t.svc = tableservice.NewScheduler(tableservice.Deps{
		Store:    store,
		BasePath: basePath,
		Timeline: tl,
		Txn:      t.tm,
		Clock:    t.gen,
		Planner:  tableservice.NewPlanner(t.view, opts.Planner),
		Engine:   engine.NewLocal(opts.ServiceParallelism),
		Reader:   t.io,
		Writer:   t.io,
	}, opts.ServicePolicy)

	return t, nil
}

// Close releases the table's resources.
func (t *Table) Close() error {
	if t.index != nil {
		if err := t.index.Close(); err != nil {
			return err
		}
	}
	return t.tm.Close()
}

// Timeline exposes the table's instant ledger.
func (t *Table) Timeline() *timeline.Timeline { return t.tl }

// View exposes the table's file system view (index-backed with listing
// fallback when an index is configured).
func (t *Table) View() fsview.View { return t.view }

// Services exposes the table service scheduler.
func (t *Table) Services() *tableservice.Scheduler { return t.svc }

// Refresh reloads the timeline and, when an index is configured, syncs it.
func (t *Table) Refresh(ctx context.Context) error {
	if err := t.tl.Reload(ctx); err != nil {
		return err
	}
	if t.indexView != nil {
		if err := t.indexView.Sync(ctx); err != nil {
			// Listing fallback keeps queries correct while the index lags.
			log.WithFields(log.Fields{"table": t.basePath, "err": err}).
				Warn("table: file index sync failed")
		}
	}
	return nil
}

// Snapshot returns the visible slices of a partition at the latest
// completed instant.
func (t *Table) Snapshot(ctx context.Context, partition string) ([]fsview.FileSlice, error) {
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	last, ok := t.tl.LastCompleted()
	if !ok {
		return nil, nil
	}
	return t.view.SlicesAsOf(ctx, partition, last.Time)
}

// TimeTravel returns the visible slices of a partition at an explicit
// instant.
func (t *Table) TimeTravel(ctx context.Context, partition, asOf string) ([]fsview.FileSlice, error) {
	if !types.ValidInstantTime(asOf) {
		return nil, apperr.NewValidationError(apperr.CodeBadInstantTime, "malformed instant time "+asOf)
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return t.view.SlicesAsOf(ctx, partition, asOf)
}

// Incremental returns, per partition, the slices changed by completed
// instants with start < time <= end.
func (t *Table) Incremental(ctx context.Context, startExclusive, endInclusive string) (map[string][]fsview.FileSlice, error) {
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return fsview.IncrementalFiles(ctx, t.tl, t.view, startExclusive, endInclusive)
}

// Rollback undoes the instant at targetTime.
func (t *Table) Rollback(ctx context.Context, targetTime string) (*rollback.Result, error) {
	if err := t.tl.Reload(ctx); err != nil {
		return nil, err
	}
	return t.rb.Rollback(ctx, targetTime)
}

// Restore returns the table to the savepoint at savepointTime.
func (t *Table) Restore(ctx context.Context, savepointTime string) (*rollback.RestoreResult, error) {
	res, err := t.rb.Restore(ctx, savepointTime)
	if err != nil {
		return nil, err
	}
	if t.indexView != nil {
		for _, target := range res.RolledBack {
			if ferr := t.indexView.Forget(ctx, target); ferr != nil {
				log.WithFields(log.Fields{"target": target, "err": ferr}).
					Warn("table: file index eviction failed after restore")
			}
		}
	}
	return res, nil
}

// Savepoint pins the table state at a completed write instant. The
// savepoint instant shares the pinned commit's time; restore and cleanup
// resolve it by action.
func (t *Table) Savepoint(ctx context.Context, instantTime, comment string) error {
	if !types.ValidInstantTime(instantTime) {
		return apperr.NewValidationError(apperr.CodeBadInstantTime, "malformed instant time "+instantTime)
	}
	return t.tm.WithLock(ctx, func(ctx context.Context) error {
		if err := t.tl.Reload(ctx); err != nil {
			return err
		}
		target, ok := t.tl.FilterCompleted().GetInstant(instantTime)
		if !ok || !target.Action.IsWrite() {
			return apperr.NewTimelineError(apperr.CodeUnknownInstant,
				"no completed write instant at "+instantTime)
		}
		if _, ok := t.tl.FilterByAction(timeline.ActionSavepoint).GetInstant(instantTime); ok {
			return apperr.NewConcurrencyError(apperr.CodeDuplicateInstant,
				"savepoint at "+instantTime+" already exists")
		}

		pinned := make(map[string][]string)
		partitions, err := t.listPartitions(ctx)
		if err != nil {
			return err
		}
		for _, partition := range partitions {
			slices, err := t.view.SlicesAsOf(ctx, partition, instantTime)
			if err != nil {
				return err
			}
			for _, s := range slices {
				pinned[partition] = append(pinned[partition], s.AllPaths()...)
			}
			sort.Strings(pinned[partition])
		}

		payload, err := meta.Encode(&meta.SavepointMetadata{
			PinnedInstant: instantTime,
			PinnedFiles:   pinned,
			Comment:       comment,
		})
		if err != nil {
			return err
		}
		inst, err := t.tl.CreateRequested(ctx, instantTime, timeline.ActionSavepoint, nil)
		if err != nil {
			return err
		}
		if _, err := t.tl.TransitionToInflight(ctx, inst, nil); err != nil {
			return err
		}
		if _, _, err := t.tl.TransitionToCompleted(ctx, inst, payload); err != nil {
			return err
		}
		return t.tl.Reload(ctx)
	})
}

// ReleaseSavepoint unpins a savepoint, making its instants eligible for
// rollback again.
func (t *Table) ReleaseSavepoint(ctx context.Context, savepointTime string) error {
	return t.tm.WithLock(ctx, func(ctx context.Context) error {
		if err := t.tl.Reload(ctx); err != nil {
			return err
		}
		if _, ok := t.tl.FilterByAction(timeline.ActionSavepoint).FilterCompleted().GetInstant(savepointTime); !ok {
			return apperr.NewTimelineError(apperr.CodeSavepointNotFound,
				"no completed savepoint at "+savepointTime)
		}
		if err := t.tl.DeleteInstantFiles(ctx, savepointTime, timeline.ActionSavepoint); err != nil {
			return err
		}
		return t.tl.Reload(ctx)
	})
}

// listPartitions scans the table for partitions holding data files.
func (t *Table) listPartitions(ctx context.Context) ([]string, error) {
	entries, err := t.store.List(ctx, t.basePath+"/")
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeIOFailed, "partition scan failed", err)
	}
	seen := make(map[string]bool)
	var partitions []string
	for _, entry := range entries {
		rel := strings.TrimPrefix(entry.Path, t.basePath+"/")
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
