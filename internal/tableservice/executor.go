package tableservice

import (
	"context"
	"path"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/rollback"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/pkg/types"
)

// ExecutionResult describes one executed service run.
type ExecutionResult struct {
	InstantTime  string
	Action       timeline.Action
	FilesWritten int
}

// Execute runs the next pending service instant per the selection policy.
// Returns (nil, nil) when nothing is pending. A pending instant found
// INFLIGHT is a crashed run: its partial output is removed and the plan is
// re-executed from REQUESTED.
func (s *Scheduler) Execute(ctx context.Context) (*ExecutionResult, error) {
	if err := s.deps.Timeline.Reload(ctx); err != nil {
		return nil, err
	}
	inst, ok := s.selectPending()
	if !ok {
		return nil, nil
	}
	return s.runTracked(ctx, inst)
}

// ExecuteAt runs the pending service instant scheduled at instantTime,
// bypassing the selection policy. Fails when no pending service instant
// carries that time.
func (s *Scheduler) ExecuteAt(ctx context.Context, instantTime string) (*ExecutionResult, error) {
	if err := s.deps.Timeline.Reload(ctx); err != nil {
		return nil, err
	}
	for _, inst := range s.deps.Timeline.PendingServiceInstants() {
		if inst.Time == instantTime {
			return s.runTracked(ctx, inst)
		}
	}
	return nil, apperr.NewTimelineError(apperr.CodeUnknownInstant,
		"no pending table service instant at "+instantTime)
}

func (s *Scheduler) runTracked(ctx context.Context, inst timeline.Instant) (*ExecutionResult, error) {
	res, err := s.run(ctx, inst)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ServiceExecutions.WithLabelValues(string(inst.Action), outcome).Inc()
	return res, err
}

// run drives one service instant from its persisted plan to COMPLETED.
func (s *Scheduler) run(ctx context.Context, inst timeline.Instant) (*ExecutionResult, error) {
	if inst.State == timeline.StateInflight {
		if err := s.cleanupCrashedRun(ctx, inst); err != nil {
			return nil, err
		}
		inst.State = timeline.StateRequested
	}

	payload, err := s.deps.Timeline.ReadPayload(ctx, timeline.Instant{
		Time: inst.Time, Action: inst.Action, State: timeline.StateRequested,
	})
	if err != nil {
		return nil, apperr.NewStorageError(apperr.CodeIOFailed, "service plan read failed", err)
	}

	switch inst.Action {
	case timeline.ActionCompaction, timeline.ActionLogCompaction:
		var plan meta.CompactionPlan
		if derr := meta.Decode(payload, &plan); derr != nil {
			return nil, s.discardCorruptPlan(ctx, inst, derr)
		}
		return s.runCompaction(ctx, inst, &plan)
	case timeline.ActionReplace:
		var plan meta.ClusteringPlan
		if derr := meta.Decode(payload, &plan); derr != nil {
			return nil, s.discardCorruptPlan(ctx, inst, derr)
		}
		return s.runClustering(ctx, inst, &plan)
	}
	return nil, apperr.NewInvariantError("pending service instant with action " + string(inst.Action))
}

// discardCorruptPlan removes a service instant whose persisted plan fails
// validation; the next scheduling cycle regenerates it.
func (s *Scheduler) discardCorruptPlan(ctx context.Context, inst timeline.Instant, cause error) error {
	log.WithFields(log.Fields{
		"table":   s.deps.BasePath,
		"instant": inst.Time,
		"action":  inst.Action,
	}).Warn("table service: discarding corrupted plan")
	if err := s.deps.Timeline.DeleteInstantFiles(ctx, inst.Time, inst.Action); err != nil {
		return err
	}
	metrics.CorruptPlansReplaced.Inc()
	return apperr.NewServiceError(apperr.CodePlanCorrupted,
		"service plan at "+inst.Time+" was corrupted and discarded", cause)
}

// cleanupCrashedRun deletes the partial output of an interrupted execution
// (found via its write markers) and reverts the instant to REQUESTED so the
// same plan runs again.
func (s *Scheduler) cleanupCrashedRun(ctx context.Context, inst timeline.Instant) error {
	markers := rollback.NewMarkerManifest(s.deps.Store, s.deps.BasePath, inst.Time)
	paths, err := markers.List(ctx)
	if err != nil {
		return err
	}
	for _, rel := range paths {
		if err := s.deps.Store.Delete(ctx, path.Join(s.deps.BasePath, rel)); err != nil {
			return apperr.NewStorageError(apperr.CodeIOFailed, "crashed run cleanup failed", err)
		}
	}
	if err := markers.DeleteAll(ctx); err != nil {
		return err
	}
	if err := s.deps.Timeline.RevertToRequested(ctx, inst.Time, inst.Action); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"table":   s.deps.BasePath,
		"instant": inst.Time,
		"action":  inst.Action,
		"files":   len(paths),
	}).Warn("table service: cleaned up crashed run")
	return s.deps.Timeline.Reload(ctx)
}

// abortRun removes everything a failed execution wrote and reverts to
// REQUESTED; the plan stays schedulable.
func (s *Scheduler) abortRun(ctx context.Context, inst timeline.Instant) {
	if err := s.cleanupCrashedRun(ctx, timeline.Instant{
		Time: inst.Time, Action: inst.Action, State: timeline.StateInflight,
	}); err != nil {
		log.WithFields(log.Fields{"instant": inst.Time, "err": err}).
			Error("table service: abort cleanup failed; next run will retry it")
	}
}

// runCompaction rewrites each planned slice into a new base file (or, for
// log compaction, folds its log files into a single new log file). The
// operations run in parallel and commit all-or-nothing.
func (s *Scheduler) runCompaction(ctx context.Context, inst timeline.Instant, plan *meta.CompactionPlan) (*ExecutionResult, error) {
	declared := make([]string, 0)
	seen := make(map[string]bool)
	for _, op := range plan.Operations {
		if !seen[op.Partition] {
			seen[op.Partition] = true
			declared = append(declared, op.Partition)
		}
	}
	sort.Strings(declared)

	inflightMD, err := meta.Encode(&meta.InflightMetadata{
		DeclaredPartitions: declared,
		ExpectedFiles:      len(plan.Operations),
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Timeline.TransitionToInflight(ctx, inst, inflightMD); err != nil {
		return nil, err
	}

	markers := rollback.NewMarkerManifest(s.deps.Store, s.deps.BasePath, inst.Time)
	stats := make([]meta.WriteStat, len(plan.Operations))
	err = s.deps.Engine.ForEach(ctx, len(plan.Operations), func(ctx context.Context, i int) error {
		op := plan.Operations[i]
		records, err := s.deps.Reader.ReadSlice(ctx, sliceFromOp(op))
		if err != nil {
			return err
		}

		var rel string
		if inst.Action == timeline.ActionLogCompaction {
			rel = path.Join(op.Partition, fsview.LogFileName(op.FileID, inst.Time, 1))
			if err := markers.WriteMarker(ctx, rel); err != nil {
				return err
			}
			st, err := s.deps.Writer.WriteLog(ctx, op.Partition, op.FileID, inst.Time, 1, records)
			if err != nil {
				return err
			}
			st.PrevBaseInstant = op.BaseInstant
			stats[i] = st
			return nil
		}

		token := types.NewWriteToken()
		rel = path.Join(op.Partition, fsview.BaseFileName(op.FileID, token, inst.Time))
		if err := markers.WriteMarker(ctx, rel); err != nil {
			return err
		}
		st, err := s.deps.Writer.WriteBase(ctx, op.Partition, op.FileID, token, inst.Time, records)
		if err != nil {
			return err
		}
		st.PrevBaseInstant = op.BaseInstant
		stats[i] = st
		return nil
	})
	if err != nil {
		s.abortRun(ctx, inst)
		return nil, apperr.NewServiceError(apperr.CodeOperationFailed,
			string(inst.Action)+" execution failed", err)
	}

	md := &meta.CommitMetadata{
		Operation:      string(inst.Action),
		PartitionStats: groupStats(stats),
	}
	if err := s.commit(ctx, inst, md, markers); err != nil {
		return nil, err
	}
	return &ExecutionResult{InstantTime: inst.Time, Action: inst.Action, FilesWritten: len(stats)}, nil
}

// runClustering rewrites each planned group's input slices into fresh file
// groups. Old groups stay on disk and are hidden by the replace commit.
func (s *Scheduler) runClustering(ctx context.Context, inst timeline.Instant, plan *meta.ClusteringPlan) (*ExecutionResult, error) {
	declared := make([]string, 0)
	seen := make(map[string]bool)
	expected := 0
	for _, g := range plan.Groups {
		expected += g.NumOutputGroups
		for _, ref := range g.InputSlices {
			if !seen[ref.Partition] {
				seen[ref.Partition] = true
				declared = append(declared, ref.Partition)
			}
		}
	}
	sort.Strings(declared)

	inflightMD, err := meta.Encode(&meta.InflightMetadata{
		DeclaredPartitions: declared,
		ExpectedFiles:      expected,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Timeline.TransitionToInflight(ctx, inst, inflightMD); err != nil {
		return nil, err
	}

	markers := rollback.NewMarkerManifest(s.deps.Store, s.deps.BasePath, inst.Time)
	var mu sync.Mutex
	var stats []meta.WriteStat
	replaced := make(map[string][]string)

	err = s.deps.Engine.ForEach(ctx, len(plan.Groups), func(ctx context.Context, i int) error {
		group := plan.Groups[i]
		var records []types.Record
		for _, ref := range group.InputSlices {
			rs, err := s.deps.Reader.ReadSlice(ctx, sliceFromRef(ref))
			if err != nil {
				return err
			}
			records = append(records, rs...)
		}
		sort.Slice(records, func(a, b int) bool { return records[a].Key < records[b].Key })

		partition := group.InputSlices[0].Partition
		outputs := group.NumOutputGroups
		if outputs <= 0 {
			outputs = 1
		}
		var outStats []meta.WriteStat
		for out := 0; out < outputs; out++ {
			chunk := records[out*len(records)/outputs : (out+1)*len(records)/outputs]
			fileID := types.NewFileID()
			token := types.NewWriteToken()
			rel := path.Join(partition, fsview.BaseFileName(fileID, token, inst.Time))
			if err := markers.WriteMarker(ctx, rel); err != nil {
				return err
			}
			st, err := s.deps.Writer.WriteBase(ctx, partition, fileID, token, inst.Time, chunk)
			if err != nil {
				return err
			}
			outStats = append(outStats, st)
		}

		mu.Lock()
		stats = append(stats, outStats...)
		for _, ref := range group.InputSlices {
			replaced[ref.Partition] = append(replaced[ref.Partition], ref.FileID)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		s.abortRun(ctx, inst)
		return nil, apperr.NewServiceError(apperr.CodeOperationFailed, "clustering execution failed", err)
	}

	for p := range replaced {
		sort.Strings(replaced[p])
	}
	md := &meta.CommitMetadata{
		Operation:       string(timeline.ActionReplace),
		PartitionStats:  groupStats(stats),
		ReplacedFileIDs: replaced,
	}
	if err := s.commit(ctx, inst, md, markers); err != nil {
		return nil, err
	}
	return &ExecutionResult{InstantTime: inst.Time, Action: inst.Action, FilesWritten: len(stats)}, nil
}

// commit publishes the service result and drops its markers.
func (s *Scheduler) commit(ctx context.Context, inst timeline.Instant, md *meta.CommitMetadata, markers *rollback.MarkerManifest) error {
	payload, err := meta.Encode(md)
	if err != nil {
		return err
	}
	var won bool
	err = s.deps.Txn.WithLock(ctx, func(ctx context.Context) error {
		_, w, err := s.deps.Timeline.TransitionToCompleted(ctx, timeline.Instant{
			Time: inst.Time, Action: inst.Action, State: timeline.StateInflight,
		}, payload)
		if err != nil {
			return err
		}
		won = w
		return s.deps.Timeline.Reload(ctx)
	})
	if err != nil {
		return err
	}
	if !won {
		metrics.CommitConflicts.Inc()
	} else {
		metrics.CommitsTotal.WithLabelValues(string(inst.Action)).Inc()
	}
	if err := markers.DeleteAll(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"table":   s.deps.BasePath,
		"instant": inst.Time,
		"action":  inst.Action,
		"files":   md.FileCount(),
	}).Info("table service completed")
	return nil
}

// groupStats buckets write stats by partition.
func groupStats(stats []meta.WriteStat) map[string][]meta.WriteStat {
	out := make(map[string][]meta.WriteStat)
	for _, st := range stats {
		out[st.Partition] = append(out[st.Partition], st)
	}
	return out
}

// sliceFromOp reconstructs the input file slice of a compaction operation.
func sliceFromOp(op meta.CompactionOperation) fsview.FileSlice {
	s := fsview.FileSlice{
		Partition:       op.Partition,
		FileID:          op.FileID,
		BaseInstantTime: op.BaseInstant,
	}
	if op.BaseFilePath != "" {
		if b, _, ok := fsview.ParseDataFileName(op.Partition, op.BaseFilePath); ok && b != nil {
			s.BaseFile = b
		}
	}
	for _, lp := range op.LogFilePaths {
		if _, l, ok := fsview.ParseDataFileName(op.Partition, lp); ok && l != nil {
			s.LogFiles = append(s.LogFiles, *l)
		}
	}
	return s
}

// sliceFromRef reconstructs the input file slice of a clustering group.
func sliceFromRef(ref meta.SliceRef) fsview.FileSlice {
	return sliceFromOp(meta.CompactionOperation{
		Partition:    ref.Partition,
		FileID:       ref.FileID,
		BaseInstant:  ref.BaseInstant,
		BaseFilePath: ref.BaseFilePath,
		LogFilePaths: ref.LogFilePaths,
	})
}
