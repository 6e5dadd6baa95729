// Package tableservice schedules and executes the table's maintenance
// operations: compaction, log compaction, and clustering. Scheduling and
// execution are decoupled through plans attached to REQUESTED instants, so
// any process can pick up and run a scheduled service.
package tableservice

import (
	"context"
	"sort"

	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
)

// PlannerConfig tunes candidate selection.
type PlannerConfig struct {
	// MaxLogFiles is the log-file count at which a slice becomes a
	// compaction candidate.
	MaxLogFiles int
	// SmallFileBytes is the base-file size under which a slice becomes a
	// clustering candidate.
	SmallFileBytes int64
	// ClusterGroupSize caps how many input slices one clustering group
	// rewrites.
	ClusterGroupSize int
}

// DefaultPlannerConfig returns the default planner thresholds.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxLogFiles:      4,
		SmallFileBytes:   32 << 20,
		ClusterGroupSize: 8,
	}
}

// Planner derives service plans from the uncompacted file-group view.
type Planner struct {
	view fsview.View
	cfg  PlannerConfig
}

// NewPlanner creates a planner over the given view.
func NewPlanner(view fsview.View, cfg PlannerConfig) *Planner {
	if cfg.MaxLogFiles <= 0 {
		cfg.MaxLogFiles = DefaultPlannerConfig().MaxLogFiles
	}
	if cfg.SmallFileBytes <= 0 {
		cfg.SmallFileBytes = DefaultPlannerConfig().SmallFileBytes
	}
	if cfg.ClusterGroupSize <= 0 {
		cfg.ClusterGroupSize = DefaultPlannerConfig().ClusterGroupSize
	}
	return &Planner{view: view, cfg: cfg}
}

// busyKey identifies a file group claimed by a pending service plan.
func busyKey(partition, fileID string) string {
	return partition + "/" + fileID
}

// PlanCompaction selects slices whose log-file count crossed the threshold.
// Groups already claimed by a pending service plan are skipped so two plans
// never overlap.
func (p *Planner) PlanCompaction(ctx context.Context, partitions []string, busy map[string]bool) (*meta.CompactionPlan, error) {
	plan := &meta.CompactionPlan{Strategy: "log_file_count"}
	for _, partition := range partitions {
		groups, err := p.view.FileGroups(ctx, partition)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if len(g.Slices) == 0 || busy[busyKey(partition, g.FileID)] {
				continue
			}
			latest := g.Slices[0]
			if len(latest.LogFiles) < p.cfg.MaxLogFiles {
				continue
			}
			op := meta.CompactionOperation{
				Partition:   partition,
				FileID:      g.FileID,
				BaseInstant: latest.BaseInstantTime,
			}
			if latest.BaseFile != nil {
				op.BaseFilePath = latest.BaseFile.Path
			}
			for _, lf := range latest.LogFiles {
				op.LogFilePaths = append(op.LogFilePaths, lf.Path)
			}
			plan.Operations = append(plan.Operations, op)
		}
	}
	sort.Slice(plan.Operations, func(i, j int) bool {
		if plan.Operations[i].Partition != plan.Operations[j].Partition {
			return plan.Operations[i].Partition < plan.Operations[j].Partition
		}
		return plan.Operations[i].FileID < plan.Operations[j].FileID
	})
	return plan, nil
}

// PlanClustering batches small fully-compacted slices into rewrite groups.
func (p *Planner) PlanClustering(ctx context.Context, partitions []string, busy map[string]bool) (*meta.ClusteringPlan, error) {
	plan := &meta.ClusteringPlan{Strategy: "small_files"}
	for _, partition := range partitions {
		groups, err := p.view.FileGroups(ctx, partition)
		if err != nil {
			return nil, err
		}
		var candidates []meta.SliceRef
		for _, g := range groups {
			if len(g.Slices) == 0 || busy[busyKey(partition, g.FileID)] {
				continue
			}
			latest := g.Slices[0]
			// Only base-only slices cluster; slices with pending log files
			// compact first.
			if latest.BaseFile == nil || len(latest.LogFiles) > 0 {
				continue
			}
			if latest.BaseFile.Size >= p.cfg.SmallFileBytes {
				continue
			}
			candidates = append(candidates, meta.SliceRef{
				Partition:    partition,
				FileID:       g.FileID,
				BaseInstant:  latest.BaseInstantTime,
				BaseFilePath: latest.BaseFile.Path,
			})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].FileID < candidates[j].FileID })

		for start := 0; start+1 < len(candidates); start += p.cfg.ClusterGroupSize {
			end := start + p.cfg.ClusterGroupSize
			if end > len(candidates) {
				end = len(candidates)
			}
			if end-start < 2 {
				break // a single small file gains nothing from a rewrite
			}
			plan.Groups = append(plan.Groups, meta.ClusteringGroup{
				InputSlices:     candidates[start:end],
				NumOutputGroups: 1,
			})
		}
	}
	return plan, nil
}
