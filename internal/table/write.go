package table

import (
	"context"
	"path"
	"sort"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/rollback"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/pkg/types"
)

// Write is one in-progress write transaction: a REQUESTED instant plus the
// files staged under it. Files become visible only when Commit wins the
// completed transition.
type Write struct {
	t       *Table
	inst    timeline.Instant
	markers *rollback.MarkerManifest
	stats   []meta.WriteStat
	done    bool
}

// NewWrite opens a write transaction. action is commit (base files) or
// deltacommit (base or log files).
func (t *Table) NewWrite(ctx context.Context, action timeline.Action) (*Write, error) {
	if action != timeline.ActionCommit && action != timeline.ActionDeltaCommit {
		return nil, apperr.NewValidationError(apperr.CodeBadTransition,
			string(action)+" is not a write action")
	}
	inst, err := t.tl.CreateRequested(ctx, t.gen.Next(), action, nil)
	if err != nil {
		return nil, err
	}
	return &Write{
		t:       t,
		inst:    inst,
		markers: rollback.NewMarkerManifest(t.store, t.basePath, inst.Time),
	}, nil
}

// InstantTime returns the transaction's instant time.
func (w *Write) InstantTime() string { return w.inst.Time }

// Declare moves the instant to INFLIGHT, recording the partitions the write
// will touch and, when known, how many files it will create. Rollback uses
// the declaration to scope cleanup if this writer dies.
func (w *Write) Declare(ctx context.Context, partitions []string, expectedFiles int) error {
	sorted := append([]string(nil), partitions...)
	sort.Strings(sorted)
	payload, err := meta.Encode(&meta.InflightMetadata{
		DeclaredPartitions: sorted,
		ExpectedFiles:      expectedFiles,
	})
	if err != nil {
		return err
	}
	inflight, err := w.t.tl.TransitionToInflight(ctx, w.inst, payload)
	if err != nil {
		return err
	}
	w.inst = inflight
	return nil
}

// InsertBase writes the records as a new base file, opening a new file
// group. Returns the new file group's ID.
func (w *Write) InsertBase(ctx context.Context, partition string, records []types.Record) (string, error) {
	fileID := types.NewFileID()
	token := types.NewWriteToken()
	rel := path.Join(partition, fsview.BaseFileName(fileID, token, w.inst.Time))
	if err := w.markers.WriteMarker(ctx, rel); err != nil {
		return "", err
	}
	st, err := w.t.io.WriteBase(ctx, partition, fileID, token, w.inst.Time, records)
	if err != nil {
		return "", err
	}
	w.stats = append(w.stats, st)
	return fileID, nil
}

// AppendLog writes the records as a log file on the latest slice of an
// existing file group (deltacommit only).
func (w *Write) AppendLog(ctx context.Context, partition, fileID string, records []types.Record) error {
	if w.inst.Action != timeline.ActionDeltaCommit {
		return apperr.NewValidationError(apperr.CodeBadTransition,
			"log appends require a deltacommit instant")
	}
	slice, ok, err := w.t.view.SliceAsOf(ctx, partition, fileID, w.inst.Time)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NewTimelineError(apperr.CodeMissingBaseFile,
			"no file slice for group "+fileID+" in "+partition)
	}

	rel := path.Join(partition, fsview.LogFileName(fileID, w.inst.Time, 1))
	if err := w.markers.WriteMarker(ctx, rel); err != nil {
		return err
	}
	st, err := w.t.io.WriteLog(ctx, partition, fileID, w.inst.Time, 1, records)
	if err != nil {
		return err
	}
	st.PrevBaseInstant = slice.BaseInstantTime
	w.stats = append(w.stats, st)
	return nil
}

// CommitResult describes a finished write transaction.
type CommitResult struct {
	InstantTime string
	// Won reports whether this caller performed the completed transition.
	// A false value means a concurrent retry of the same instant finished
	// first; the write is durable either way.
	Won        bool
	FileCount  int
	Partitions []string
}

// Commit publishes the staged files by driving the instant to COMPLETED
// under the table lock. Exactly one committer wins; the loser's staged
// state is already covered by the winner's metadata.
func (w *Write) Commit(ctx context.Context) (*CommitResult, error) {
	if w.done {
		return nil, apperr.NewInvariantError("commit on a finished write")
	}
	md := &meta.CommitMetadata{
		Operation:      string(w.inst.Action),
		PartitionStats: groupWriteStats(w.stats),
	}
	payload, err := meta.Encode(md)
	if err != nil {
		return nil, err
	}

	var won bool
	err = w.t.tm.WithLock(ctx, func(ctx context.Context) error {
		_, ok, err := w.t.tl.TransitionToCompleted(ctx, w.inst, payload)
		if err != nil {
			return err
		}
		won = ok
		return w.t.tl.Reload(ctx)
	})
	if err != nil {
		return nil, err
	}
	w.done = true

	if won {
		metrics.CommitsTotal.WithLabelValues(string(w.inst.Action)).Inc()
	} else {
		metrics.CommitConflicts.Inc()
	}
	if err := w.markers.DeleteAll(ctx); err != nil {
		return nil, err
	}
	if w.t.indexView != nil {
		if err := w.t.indexView.Sync(ctx); err != nil {
			log.WithFields(log.Fields{"instant": w.inst.Time, "err": err}).
				Warn("table: file index sync failed after commit")
		}
	}

	log.WithFields(log.Fields{
		"table":   w.t.basePath,
		"instant": w.inst.Time,
		"action":  w.inst.Action,
		"files":   md.FileCount(),
		"won":     won,
	}).Info("write committed")
	return &CommitResult{
		InstantTime: w.inst.Time,
		Won:         won,
		FileCount:   md.FileCount(),
		Partitions:  md.TouchedPartitions(),
	}, nil
}

// Abort discards the transaction: staged files, markers, and the pending
// instant are removed.
func (w *Write) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	for _, st := range w.stats {
		if err := w.t.store.Delete(ctx, path.Join(w.t.basePath, st.Path)); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "abort cleanup failed", err)
		}
	}
	if err := w.markers.DeleteAll(ctx); err != nil {
		return err
	}
	if err := w.t.tl.DeletePendingFiles(ctx, w.inst.Time, w.inst.Action); err != nil {
		return err
	}
	w.done = true
	return w.t.tl.Reload(ctx)
}

func groupWriteStats(stats []meta.WriteStat) map[string][]meta.WriteStat {
	out := make(map[string][]meta.WriteStat)
	for _, st := range stats {
		out[st.Partition] = append(out[st.Partition], st)
	}
	return out
}
