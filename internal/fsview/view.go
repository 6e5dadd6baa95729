package fsview

import (
	"context"
	"path"
	"strings"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
)

// View answers point-in-time file queries for one table.
//
// All four query modes of the engine go through this interface: snapshot
// (asOf = latest completed), time-travel (explicit asOf), incremental
// (instant range), and uncompacted (raw slices for service planning).
type View interface {
	// SlicesAsOf returns the visible file slice of every file group in the
	// partition at asOf: for each group, the newest slice with base
	// instant <= asOf, carrying only log files with instant <= asOf.
	SlicesAsOf(ctx context.Context, partition, asOf string) ([]FileSlice, error)

	// SliceAsOf is SlicesAsOf for a single file group.
	SliceAsOf(ctx context.Context, partition, fileID, asOf string) (FileSlice, bool, error)

	// FileGroups returns the raw, unmerged file groups of a partition
	// (uncompacted mode, used by compaction/clustering planning).
	FileGroups(ctx context.Context, partition string) ([]FileGroup, error)
}

// trimSliceToInstant drops log files newer than asOf.
func trimSliceToInstant(s FileSlice, asOf string) FileSlice {
	trimmed := s
	trimmed.LogFiles = nil
	for _, lf := range s.LogFiles {
		if lf.InstantTime <= asOf {
			trimmed.LogFiles = append(trimmed.LogFiles, lf)
		}
	}
	return trimmed
}

// latestMergedSliceBeforeOrOn implements the core MVCC selection shared by
// every view implementation.
func latestMergedSliceBeforeOrOn(groups []FileGroup, fileID, asOf string) (FileSlice, bool) {
	for _, g := range groups {
		if g.FileID != fileID {
			continue
		}
		if s, ok := g.LatestSliceBeforeOrOn(asOf); ok {
			return trimSliceToInstant(s, asOf), true
		}
		return FileSlice{}, false
	}
	return FileSlice{}, false
}

func slicesAsOf(groups []FileGroup, asOf string) []FileSlice {
	var out []FileSlice
	for _, g := range groups {
		if s, ok := g.LatestSliceBeforeOrOn(asOf); ok {
			out = append(out, trimSliceToInstant(s, asOf))
		}
	}
	return out
}

// dropReplaced removes file groups superseded by a clustering instant at or
// before asOf. Before the replace instant the old groups are still the
// visible snapshot.
func dropReplaced(groups []FileGroup, replaced map[string]string, asOf string) []FileGroup {
	if len(replaced) == 0 {
		return groups
	}
	kept := groups[:0]
	for _, g := range groups {
		if at, ok := replaced[g.FileID]; ok && at <= asOf {
			continue
		}
		kept = append(kept, g)
	}
	return kept
}

// ListingView derives file groups by listing storage directly, scoped to
// the requested partitions only — never a full-table listing. It is the
// fallback side of the priority view and needs no auxiliary state.
type ListingView struct {
	store    storage.ObjectStore
	basePath string
	tl       *timeline.Timeline
}

// NewListingView creates a listing-backed view over a reloaded timeline.
func NewListingView(store storage.ObjectStore, basePath string, tl *timeline.Timeline) *ListingView {
	return &ListingView{store: store, basePath: basePath, tl: tl}
}

// FileGroups lists the partition and assembles its file groups from files
// of COMPLETED instants.
func (v *ListingView) FileGroups(ctx context.Context, partition string) ([]FileGroup, error) {
	entries, err := v.store.List(ctx, path.Join(v.basePath, partition)+"/")
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeIOFailed, "partition listing failed", err)
	}

	completed := v.tl.CompletedWriteTimes()
	var bases []BaseFile
	var logs []LogFile
	for _, e := range entries {
		rel := strings.TrimPrefix(e.Path, v.basePath+"/")
		if strings.Count(rel, "/") != strings.Count(partition, "/")+1 {
			continue // nested partition, not ours
		}
		b, l, ok := ParseDataFileName(partition, rel)
		if !ok {
			continue
		}
		if b != nil {
			if _, done := completed[b.InstantTime]; done {
				b.Size = e.Size
				bases = append(bases, *b)
			}
		} else {
			if _, done := completed[l.InstantTime]; done {
				l.Size = e.Size
				logs = append(logs, *l)
			}
		}
	}
	return BuildFileGroups(partition, bases, logs), nil
}

// SlicesAsOf implements View.
func (v *ListingView) SlicesAsOf(ctx context.Context, partition, asOf string) ([]FileSlice, error) {
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
func (v *ListingView) SliceAsOf(ctx context.Context, partition, fileID, asOf string) (FileSlice, bool, error) {
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
