package tableservice

import (
	"context"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/engine"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
	"github.com/arkilian/tidelake/pkg/types"
)

// SelectionPolicy orders pending service instants for execution.
type SelectionPolicy string

const (
	// SelectFIFO executes the oldest pending service first.
	SelectFIFO SelectionPolicy = "fifo"
	// SelectLIFO executes the newest pending service first.
	SelectLIFO SelectionPolicy = "lifo"
)

// Valid reports whether p is a known policy.
func (p SelectionPolicy) Valid() bool {
	return p == SelectFIFO || p == SelectLIFO
}

// SliceReader reads the merged records of one file slice.
type SliceReader interface {
	ReadSlice(ctx context.Context, slice fsview.FileSlice) ([]types.Record, error)
}

// FileWriter writes new data files for a file group.
type FileWriter interface {
	WriteBase(ctx context.Context, partition, fileID, writeToken, instantTime string, records []types.Record) (meta.WriteStat, error)
	WriteLog(ctx context.Context, partition, fileID, instantTime string, version int, records []types.Record) (meta.WriteStat, error)
}

// Deps are the collaborators a scheduler runs against.
type Deps struct {
	Store    storage.ObjectStore
	BasePath string
	Timeline *timeline.Timeline
	Txn      *txn.Manager
	Clock    *types.TimeGenerator
	Planner  *Planner
	Engine   engine.Engine
	Reader   SliceReader
	Writer   FileWriter
}

// Scheduler schedules table services as planned REQUESTED instants and
// executes pending ones.
type Scheduler struct {
	deps   Deps
	policy SelectionPolicy
}

// NewScheduler creates a scheduler. An invalid policy falls back to FIFO.
func NewScheduler(deps Deps, policy SelectionPolicy) *Scheduler {
	if !policy.Valid() {
		policy = SelectFIFO
	}
	return &Scheduler{deps: deps, policy: policy}
}

// Schedule plans one service run over the given partitions and persists the
// plan as a REQUESTED instant. Returns scheduled == false when nothing needs
// the service. File groups claimed by an existing pending plan are never
// planned twice.
func (s *Scheduler) Schedule(ctx context.Context, action timeline.Action, partitions []string) (string, bool, error) {
	if !action.IsTableService() {
		return "", false, apperr.NewValidationError(apperr.CodeBadTransition,
			string(action)+" is not a table service action")
	}
	if err := engine.Require(s.deps.Engine, engine.CapParallelForEach); err != nil {
		return "", false, err
	}

	var instantTime string
	scheduled := false
	err := s.deps.Txn.WithLock(ctx, func(ctx context.Context) error {
		if err := s.deps.Timeline.Reload(ctx); err != nil {
			return err
		}
		busy, err := s.pendingClaims(ctx)
		if err != nil {
			return err
		}

		var payload []byte
		var ops int
		switch action {
		case timeline.ActionCompaction, timeline.ActionLogCompaction:
			plan, err := s.deps.Planner.PlanCompaction(ctx, partitions, busy)
			if err != nil {
				return err
			}
			ops = len(plan.Operations)
			if ops > 0 {
				payload, err = meta.Encode(plan)
				if err != nil {
					return err
				}
			}
		case timeline.ActionReplace:
			plan, err := s.deps.Planner.PlanClustering(ctx, partitions, busy)
			if err != nil {
				return err
			}
			ops = len(plan.Groups)
			if ops > 0 {
				payload, err = meta.Encode(plan)
				if err != nil {
					return err
				}
			}
		}
		if ops == 0 {
			return nil
		}

		inst, err := s.deps.Timeline.CreateRequested(ctx, s.deps.Clock.Next(), action, payload)
		if err != nil {
			return err
		}
		instantTime = inst.Time
		scheduled = true
		log.WithFields(log.Fields{
			"table":   s.deps.BasePath,
			"action":  action,
			"instant": inst.Time,
			"ops":     ops,
		}).Info("table service scheduled")
		return nil
	})
	return instantTime, scheduled, err
}

// pendingClaims collects the file groups referenced by pending service
// plans. Unreadable plans claim nothing here; the executor deals with them.
func (s *Scheduler) pendingClaims(ctx context.Context) (map[string]bool, error) {
	busy := make(map[string]bool)
	for _, inst := range s.deps.Timeline.PendingServiceInstants() {
		payload, err := s.deps.Timeline.ReadPayload(ctx, timeline.Instant{
			Time: inst.Time, Action: inst.Action, State: timeline.StateRequested,
		})
		if err != nil || len(payload) == 0 {
			continue
		}
		switch inst.Action {
		case timeline.ActionCompaction, timeline.ActionLogCompaction:
			var plan meta.CompactionPlan
			if meta.Decode(payload, &plan) != nil {
				continue
			}
			for _, op := range plan.Operations {
				busy[busyKey(op.Partition, op.FileID)] = true
			}
		case timeline.ActionReplace:
			var plan meta.ClusteringPlan
			if meta.Decode(payload, &plan) != nil {
				continue
			}
			for _, g := range plan.Groups {
				for _, ref := range g.InputSlices {
					busy[busyKey(ref.Partition, ref.FileID)] = true
				}
			}
		}
	}
	return busy, nil
}

// selectPending picks the next pending service instant per policy.
func (s *Scheduler) selectPending() (timeline.Instant, bool) {
	pending := s.deps.Timeline.PendingServiceInstants()
	if len(pending) == 0 {
		return timeline.Instant{}, false
	}
	if s.policy == SelectLIFO {
		return pending[len(pending)-1], true
	}
	return pending[0], true
}
