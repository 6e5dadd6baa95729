package timeline

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/storage"
)

// reload retry bounds for eventually-consistent stores.
const (
	reloadMaxAttempts = 4
	reloadBaseBackoff = 100 * time.Millisecond
)

// Timeline is the reconstructed instant ledger of one table. The in-memory
// instant list is a snapshot as of the last Reload; structural mutations go
// through the transition methods and require a Reload to observe. Reload
// publishes a fresh immutable list through an atomic pointer, so one handle
// may be shared by concurrent writers, readers, and service loops: queries
// stay lock-free and always see a consistent snapshot.
type Timeline struct {
	store    storage.ObjectStore
	basePath string
	instants atomic.Pointer[[]Instant]
}

// New creates a timeline handle for the table rooted at basePath.
// Call Reload before querying.
func New(store storage.ObjectStore, basePath string) *Timeline {
	return &Timeline{store: store, basePath: basePath}
}

// snapshot returns the currently published instant list. The slice is never
// mutated after publication.
func (t *Timeline) snapshot() []Instant {
	if p := t.instants.Load(); p != nil {
		return *p
	}
	return nil
}

// publish swaps in a new instant list.
func (t *Timeline) publish(instants []Instant) {
	t.instants.Store(&instants)
}

// Dir returns the timeline prefix of this table.
func (t *Timeline) Dir() string {
	return path.Join(t.basePath, TimelineDir)
}

// InstantPath returns the persisted object path for an instant.
func (t *Timeline) InstantPath(i Instant) string {
	return path.Join(t.Dir(), i.FileName())
}

// Reload re-lists persisted instant files and rebuilds the instant list.
// Listing failures are retried with bounded backoff; eventually-consistent
// stores can briefly serve stale or failing listings.
func (t *Timeline) Reload(ctx context.Context) error {
	var entries []storage.Entry
	var err error
	for attempt := 1; ; attempt++ {
		entries, err = t.store.List(ctx, t.Dir()+"/")
		if err == nil {
			break
		}
		if attempt >= reloadMaxAttempts {
			return apperr.NewStorageError(apperr.CodeIOFailed, "timeline listing failed", err)
		}
		log.WithFields(log.Fields{
			"table":   t.basePath,
			"attempt": attempt,
			"err":     err,
		}).Warn("timeline reload: listing failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reloadBaseBackoff << (attempt - 1)):
		}
	}

	requireMarker := !t.store.AtomicCreate()
	marked := make(map[string]bool)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimPrefix(e.Path, t.Dir()+"/")
		if strings.Contains(name, "/") {
			continue // markers/ subtree and other nested objects
		}
		if strings.HasSuffix(name, completionSuffix) {
			marked[strings.TrimSuffix(name, completionSuffix)] = true
			continue
		}
		names = append(names, name)
	}

	// Collapse per (time, action) to the highest observed state. A
	// partially written file on a non-atomic store has no completion
	// marker yet and is treated as absent.
	best := make(map[string]Instant)
	for _, name := range names {
		inst, ok := ParseFileName(name)
		if !ok {
			continue
		}
		if requireMarker && !marked[name] {
			continue
		}
		key := inst.Time + "." + string(inst.Action)
		if cur, ok := best[key]; !ok || inst.State.rank() > cur.State.rank() {
			best[key] = inst
		}
	}

	instants := make([]Instant, 0, len(best))
	for _, inst := range best {
		instants = append(instants, inst)
	}
	// Ordering is by timestamp; action type is not a tiebreaker.
	sort.SliceStable(instants, func(i, j int) bool {
		return instants[i].Time < instants[j].Time
	})
	t.publish(instants)
	return nil
}

// Instants returns the instants of the last reload, ascending by time.
func (t *Timeline) Instants() []Instant {
	cur := t.snapshot()
	out := make([]Instant, len(cur))
	copy(out, cur)
	return out
}

// Empty reports whether the timeline holds no instants.
func (t *Timeline) Empty() bool {
	return len(t.snapshot()) == 0
}

// LastInstant returns the newest instant, if any.
func (t *Timeline) LastInstant() (Instant, bool) {
	cur := t.snapshot()
	if len(cur) == 0 {
		return Instant{}, false
	}
	return cur[len(cur)-1], true
}

// LastCompleted returns the newest COMPLETED instant, if any.
func (t *Timeline) LastCompleted() (Instant, bool) {
	cur := t.snapshot()
	for i := len(cur) - 1; i >= 0; i-- {
		if cur[i].IsCompleted() {
			return cur[i], true
		}
	}
	return Instant{}, false
}

// ContainsInstant reports whether an instant with the given time exists.
func (t *Timeline) ContainsInstant(instantTime string) bool {
	_, ok := t.GetInstant(instantTime)
	return ok
}

// GetInstant returns the instant with the given time.
func (t *Timeline) GetInstant(instantTime string) (Instant, bool) {
	for _, inst := range t.snapshot() {
		if inst.Time == instantTime {
			return inst, true
		}
	}
	return Instant{}, false
}

// derive returns a sub-timeline sharing the store but holding only the
// instants accepted by keep.
func (t *Timeline) derive(keep func(Instant) bool) *Timeline {
	sub := &Timeline{store: t.store, basePath: t.basePath}
	var kept []Instant
	for _, inst := range t.snapshot() {
		if keep(inst) {
			kept = append(kept, inst)
		}
	}
	sub.publish(kept)
	return sub
}

// FilterCompleted returns the completed-only sub-timeline. Consumers derive
// visibility exclusively from this view; REQUESTED/INFLIGHT instants never
// contribute to a snapshot.
func (t *Timeline) FilterCompleted() *Timeline {
	return t.derive(Instant.IsCompleted)
}

// FilterPending returns the sub-timeline of instants not yet COMPLETED.
func (t *Timeline) FilterPending() *Timeline {
	return t.derive(Instant.IsPending)
}

// FilterByAction returns the sub-timeline holding only the given actions.
func (t *Timeline) FilterByAction(actions ...Action) *Timeline {
	set := make(map[Action]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return t.derive(func(i Instant) bool { return set[i.Action] })
}

// FindInRange returns completed instants with start < time <= end,
// for incremental reads. An empty end means unbounded.
func (t *Timeline) FindInRange(startExclusive, endInclusive string) []Instant {
	var out []Instant
	for _, inst := range t.snapshot() {
		if !inst.IsCompleted() {
			continue
		}
		if inst.Time <= startExclusive {
			continue
		}
		if endInclusive != "" && inst.Time > endInclusive {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// CompletedWriteTimes returns the set of completed write-instant times;
// the file system view uses it to decide file visibility.
func (t *Timeline) CompletedWriteTimes() map[string]struct{} {
	set := make(map[string]struct{})
	for _, inst := range t.snapshot() {
		if inst.IsCompleted() && inst.Action.IsWrite() {
			set[inst.Time] = struct{}{}
		}
	}
	return set
}

// CompletedAfter returns completed write instants strictly after
// instantTime, descending by timestamp — the rollback order of a restore.
func (t *Timeline) CompletedAfter(instantTime string) []Instant {
	var out []Instant
	cur := t.snapshot()
	for i := len(cur) - 1; i >= 0; i-- {
		inst := cur[i]
		if inst.IsCompleted() && inst.Action.IsWrite() && inst.Time > instantTime {
			out = append(out, inst)
		}
	}
	return out
}

// PendingServiceInstants returns REQUESTED/INFLIGHT table-service instants,
// ascending by time.
func (t *Timeline) PendingServiceInstants() []Instant {
	var out []Instant
	for _, inst := range t.snapshot() {
		if inst.IsPending() && inst.Action.IsTableService() {
			out = append(out, inst)
		}
	}
	return out
}

// PendingRollbackFor returns a pending rollback instant targeting the given
// instant, if one exists. Plans must be read to match targets.
func (t *Timeline) PendingRollbackFor(ctx context.Context, targetTime string) (Instant, *meta.RollbackPlan, bool, error) {
	for _, inst := range t.snapshot() {
		if inst.Action != ActionRollback || !inst.IsPending() {
			continue
		}
		payload, err := t.ReadPayload(ctx, Instant{Time: inst.Time, Action: ActionRollback, State: StateRequested})
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return Instant{}, nil, false, err
		}
		var plan meta.RollbackPlan
		if err := meta.Decode(payload, &plan); err != nil {
			// Corrupted pending plan; surface it with its instant so the
			// rollback engine can delete and regenerate.
			return inst, nil, true, apperr.Wrap(apperr.ErrCategoryRollback, apperr.CodePlanCorrupted,
				"pending rollback plan is corrupted", err)
		}
		if plan.TargetInstant == targetTime {
			return inst, &plan, true, nil
		}
	}
	return Instant{}, nil, false, nil
}

// CompletedRollbackFor returns the completed rollback instant targeting the
// given instant, if one exists. Finding more than one is an invariant
// violation.
func (t *Timeline) CompletedRollbackFor(ctx context.Context, targetTime string) (Instant, *meta.RollbackMetadata, bool, error) {
	var found []Instant
	var foundMeta *meta.RollbackMetadata
	for _, inst := range t.snapshot() {
		if inst.Action != ActionRollback || !inst.IsCompleted() {
			continue
		}
		payload, err := t.ReadPayload(ctx, inst)
		if err != nil {
			return Instant{}, nil, false, err
		}
		var md meta.RollbackMetadata
		if err := meta.Decode(payload, &md); err != nil {
			return Instant{}, nil, false, apperr.Wrap(apperr.ErrCategoryInternal, apperr.CodeInvariantViolated,
				"completed rollback metadata is corrupted", err)
		}
		if md.TargetInstant == targetTime {
			found = append(found, inst)
			foundMeta = &md
		}
	}
	switch len(found) {
	case 0:
		return Instant{}, nil, false, nil
	case 1:
		return found[0], foundMeta, true, nil
	default:
		return Instant{}, nil, false, apperr.NewInvariantError(
			"multiple completed rollback instants for target " + targetTime)
	}
}

// ReplacedFileGroups returns, for one partition, the file groups superseded
// by completed clustering instants: fileID mapped to the replace instant
// time. Snapshots at or after that time must not serve the group.
func (t *Timeline) ReplacedFileGroups(ctx context.Context, partition string) (map[string]string, error) {
	replaced := make(map[string]string)
	for _, inst := range t.snapshot() {
		if inst.Action != ActionReplace || !inst.IsCompleted() {
			continue
		}
		md, err := t.ReadCommitMetadata(ctx, inst)
		if err != nil {
			return nil, err
		}
		for _, fileID := range md.ReplacedFileIDs[partition] {
			if cur, ok := replaced[fileID]; !ok || inst.Time < cur {
				replaced[fileID] = inst.Time
			}
		}
	}
	return replaced, nil
}

// ReadPayload reads the persisted payload of the given (time, action, state)
// triple.
func (t *Timeline) ReadPayload(ctx context.Context, i Instant) ([]byte, error) {
	return t.store.Read(ctx, t.InstantPath(i))
}

// ReadCommitMetadata reads and decodes the commit metadata of a completed
// write instant.
func (t *Timeline) ReadCommitMetadata(ctx context.Context, i Instant) (*meta.CommitMetadata, error) {
	payload, err := t.ReadPayload(ctx, Instant{Time: i.Time, Action: i.Action, State: StateCompleted})
	if err != nil {
		return nil, err
	}
	var md meta.CommitMetadata
	if err := meta.Decode(payload, &md); err != nil {
		return nil, err
	}
	return &md, nil
}
