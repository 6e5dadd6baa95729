package fsview

import (
	"context"
	"sort"

	"github.com/arkilian/tidelake/internal/timeline"
)

// IncrementalFiles returns, per partition, the slices touched by completed
// instants in (startExclusive, endInclusive]. Only file groups written to
// inside the range appear; each is reported as its visible slice at the
// range end.
func IncrementalFiles(ctx context.Context, tl *timeline.Timeline, view View, startExclusive, endInclusive string) (map[string][]FileSlice, error) {
	instants := tl.FindInRange(startExclusive, endInclusive)

	touched := make(map[string]map[string]struct{}) // partition -> fileIDs
	end := endInclusive
	for _, inst := range instants {
		if !inst.Action.IsWrite() {
			continue
		}
		if end == "" || inst.Time > end {
			end = inst.Time
		}
		md, err := tl.ReadCommitMetadata(ctx, inst)
		if err != nil {
			return nil, err
		}
		for partition, stats := range md.PartitionStats {
			ids := touched[partition]
			if ids == nil {
				ids = make(map[string]struct{})
				touched[partition] = ids
			}
			for _, st := range stats {
				ids[st.FileID] = struct{}{}
			}
		}
	}

	out := make(map[string][]FileSlice, len(touched))
	for partition, ids := range touched {
		fileIDs := make([]string, 0, len(ids))
		for id := range ids {
			fileIDs = append(fileIDs, id)
		}
		sort.Strings(fileIDs)

		for _, fileID := range fileIDs {
			s, ok, err := view.SliceAsOf(ctx, partition, fileID, end)
			if err != nil {
				return nil, err
			}
			if ok {
				out[partition] = append(out[partition], s)
			}
		}
	}
	return out, nil
}
