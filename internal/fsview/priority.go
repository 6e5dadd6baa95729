package fsview

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/timeline"
)

// IndexView answers queries from the SQLite file index instead of listing
// storage. Visibility is still gated on the timeline: indexed files whose
// instant is no longer completed (rolled back since the last sync) are
// filtered out.
type IndexView struct {
	index *FileIndex
	tl    *timeline.Timeline
}

// NewIndexView creates an index-backed view over a reloaded timeline.
func NewIndexView(index *FileIndex, tl *timeline.Timeline) *IndexView {
	return &IndexView{index: index, tl: tl}
}

// Sync brings the index up to date with the timeline: applies commit
// metadata of completed write instants not yet indexed, and drops instants
// that have disappeared (rolled back).
func (v *IndexView) Sync(ctx context.Context) error {
	for _, inst := range v.tl.FilterCompleted().Instants() {
		if !inst.Action.IsWrite() {
			continue
		}
		applied, err := v.index.HasInstant(ctx, inst.Time)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		md, err := v.tl.ReadCommitMetadata(ctx, inst)
		if err != nil {
			return err
		}
		if err := v.index.ApplyCommit(ctx, inst.Time, md); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops a rolled-back instant from the index.
func (v *IndexView) Forget(ctx context.Context, instantTime string) error {
	return v.index.RemoveInstant(ctx, instantTime)
}

// FileGroups implements View from the index.
func (v *IndexView) FileGroups(ctx context.Context, partition string) ([]FileGroup, error) {
	bases, logs, err := v.index.FilesForPartition(ctx, partition)
	if err != nil {
		return nil, err
	}
	completed := v.tl.CompletedWriteTimes()
	keptBases := bases[:0]
	for _, b := range bases {
		if _, ok := completed[b.InstantTime]; ok {
			keptBases = append(keptBases, b)
		}
	}
	keptLogs := logs[:0]
	for _, l := range logs {
		if _, ok := completed[l.InstantTime]; ok {
			keptLogs = append(keptLogs, l)
		}
	}
	return BuildFileGroups(partition, keptBases, keptLogs), nil
}

// SlicesAsOf implements View.
func (v *IndexView) SlicesAsOf(ctx context.Context, partition, asOf string) ([]FileSlice, error) {
	groups, err := v.FileGroups(ctx, partition)
	if err != nil {
		return nil, err
	}
	replaced, err := v.tl.ReplacedFileGroups(ctx, partition)
	if err != nil {
		return nil, err
	}
	return slicesAsOf(dropReplaced(groups, replaced, asOf), asOf), nil
}

// SliceAsOf implements View.
func (v *IndexView) SliceAsOf(ctx context.Context, partition, fileID, asOf string) (FileSlice, bool, error) {
	groups, err := v.FileGroups(ctx, partition)
	if err != nil {
		return FileSlice{}, false, err
	}
	replaced, err := v.tl.ReplacedFileGroups(ctx, partition)
	if err != nil {
		return FileSlice{}, false, err
	}
	s, ok := latestMergedSliceBeforeOrOn(dropReplaced(groups, replaced, asOf), fileID, asOf)
	return s, ok, nil
}

// PriorityView serves queries from a fast primary view and fails over to a
// fallback view when the primary errors. Failover is per call; the primary
// is retried on the next query.
type PriorityView struct {
	primary  View
	fallback View
}

// NewPriorityView wraps a primary and fallback view.
func NewPriorityView(primary, fallback View) *PriorityView {
	return &PriorityView{primary: primary, fallback: fallback}
}

func (v *PriorityView) failover(op string, err error) {
	metrics.ViewFailovers.Inc()
	log.WithFields(log.Fields{"op": op, "err": err}).
		Warn("fsview: primary view failed, falling back to listing")
}

// SlicesAsOf implements View with failover.
func (v *PriorityView) SlicesAsOf(ctx context.Context, partition, asOf string) ([]FileSlice, error) {
	out, err := v.primary.SlicesAsOf(ctx, partition, asOf)
	if err == nil {
		return out, nil
	}
	v.failover("slices_as_of", err)
	return v.fallback.SlicesAsOf(ctx, partition, asOf)
}

// SliceAsOf implements View with failover.
func (v *PriorityView) SliceAsOf(ctx context.Context, partition, fileID, asOf string) (FileSlice, bool, error) {
	s, ok, err := v.primary.SliceAsOf(ctx, partition, fileID, asOf)
	if err == nil {
		return s, ok, nil
	}
	v.failover("slice_as_of", err)
	return v.fallback.SliceAsOf(ctx, partition, fileID, asOf)
}

// FileGroups implements View with failover.
func (v *PriorityView) FileGroups(ctx context.Context, partition string) ([]FileGroup, error) {
	out, err := v.primary.FileGroups(ctx, partition)
	if err == nil {
		return out, nil
	}
	v.failover("file_groups", err)
	return v.fallback.FileGroups(ctx, partition)
}
