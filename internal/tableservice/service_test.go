package tableservice

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/tidelake/internal/engine"
	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/fileio"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/rollback"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
	"github.com/arkilian/tidelake/pkg/types"
)

const testBasePath = "tables/t1"

type fixture struct {
	store *storage.LocalStore
	tl    *timeline.Timeline
	io    *fileio.IO
	view  *fsview.ListingView
	sched *Scheduler
}

func newFixture(t *testing.T, policy SelectionPolicy) *fixture {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tl := timeline.New(store, testBasePath)
	require.NoError(t, tl.Reload(context.Background()))

	tm := txn.NewManager(txn.NewInProcessLock(), 5*time.Second)
	t.Cleanup(func() { tm.Close() })

	// Deterministic clock after every data instant used in the tests.
	base := time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC)
	i := 0
	gen := types.NewTimeGeneratorWithClock(0, func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	})

	io := fileio.New(store, testBasePath)
	view := fsview.NewListingView(store, testBasePath, tl)
	sched := NewScheduler(Deps{
		Store:    store,
		BasePath: testBasePath,
		Timeline: tl,
		Txn:      tm,
		Clock:    gen,
		Planner:  NewPlanner(view, PlannerConfig{MaxLogFiles: 2}),
		Engine:   engine.NewLocal(2),
		Reader:   io,
		Writer:   io,
	}, policy)
	return &fixture{store: store, tl: tl, io: io, view: view, sched: sched}
}

// publish completes a write instant covering the given stats.
func (f *fixture) publish(t *testing.T, instantTime string, action timeline.Action, stats ...meta.WriteStat) {
	t.Helper()
	ctx := context.Background()

	byPartition := make(map[string][]meta.WriteStat)
	for _, st := range stats {
		byPartition[st.Partition] = append(byPartition[st.Partition], st)
	}
	payload, err := meta.Encode(&meta.CommitMetadata{
		Operation:      string(action),
		PartitionStats: byPartition,
	})
	require.NoError(t, err)

	inst, err := f.tl.CreateRequested(ctx, instantTime, action, nil)
	require.NoError(t, err)
	_, err = f.tl.TransitionToInflight(ctx, inst, nil)
	require.NoError(t, err)
	_, _, err = f.tl.TransitionToCompleted(ctx, inst, payload)
	require.NoError(t, err)
	require.NoError(t, f.tl.Reload(ctx))
}

// seedCompactable commits a base for f1 plus two log files, crossing the
// MaxLogFiles=2 threshold.
func (f *fixture) seedCompactable(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	st, err := f.io.WriteBase(ctx, "p", "f1", "tok", "20240315093045001", []types.Record{
		types.NewRecord("k1", "p", map[string]any{"v": "b1"}),
		types.NewRecord("k2", "p", map[string]any{"v": "b2"}),
	})
	require.NoError(t, err)
	f.publish(t, "20240315093045001", timeline.ActionCommit, st)

	st, err = f.io.WriteLog(ctx, "p", "f1", "20240315093045002", 1, []types.Record{
		types.NewRecord("k1", "p", map[string]any{"v": "l2"}),
	})
	require.NoError(t, err)
	f.publish(t, "20240315093045002", timeline.ActionDeltaCommit, st)

	st, err = f.io.WriteLog(ctx, "p", "f1", "20240315093045003", 1, []types.Record{
		types.NewRecord("k1", "p", map[string]any{"v": "l3"}),
	})
	require.NoError(t, err)
	f.publish(t, "20240315093045003", timeline.ActionDeltaCommit, st)
}

func TestPlanner_PlanCompaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	// A second group under the threshold is not a candidate.
	st, err := f.io.WriteBase(ctx, "p", "f2", "tok", "20240315093045004", []types.Record{
		types.NewRecord("k9", "p", map[string]any{"v": "x"}),
	})
	require.NoError(t, err)
	f.publish(t, "20240315093045004", timeline.ActionCommit, st)

	planner := NewPlanner(f.view, PlannerConfig{MaxLogFiles: 2})
	plan, err := planner.PlanCompaction(ctx, []string{"p"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)
	op := plan.Operations[0]
	assert.Equal(t, "f1", op.FileID)
	assert.Equal(t, "20240315093045001", op.BaseInstant)
	assert.Len(t, op.LogFilePaths, 2)

	// Claimed groups are skipped.
	plan, err = planner.PlanCompaction(ctx, []string{"p"}, map[string]bool{busyKey("p", "f1"): true})
	require.NoError(t, err)
	assert.Empty(t, plan.Operations)
}

func TestScheduler_NothingToDo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)

	_, scheduled, err := f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	assert.False(t, scheduled)

	res, err := f.sched.Execute(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestScheduler_RejectsNonServiceAction(t *testing.T) {
	f := newFixture(t, SelectFIFO)
	_, _, err := f.sched.Schedule(context.Background(), timeline.ActionCommit, []string{"p"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadTransition, apperr.GetCode(err))
}

func TestScheduler_CompactionEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	instant, scheduled, err := f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	res, err := f.sched.Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, instant, res.InstantTime)
	assert.Equal(t, 1, res.FilesWritten)

	// The latest slice is now a bare base carrying the merged records.
	slices, err := f.view.SlicesAsOf(ctx, "p", res.InstantTime)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, res.InstantTime, slices[0].BaseInstantTime)
	assert.Empty(t, slices[0].LogFiles)

	records, err := f.io.ReadSlice(ctx, slices[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "l3", records[0].Fields["v"], "latest log update wins the merge")
	assert.Equal(t, "b2", records[1].Fields["v"])

	// The instant is completed and its markers are gone.
	_, ok := f.tl.FilterCompleted().GetInstant(res.InstantTime)
	assert.True(t, ok)
	paths, err := rollback.NewMarkerManifest(f.store, testBasePath, res.InstantTime).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestScheduler_LogCompactionWritesFoldedLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	_, scheduled, err := f.sched.Schedule(ctx, timeline.ActionLogCompaction, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	res, err := f.sched.Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, timeline.ActionLogCompaction, res.Action)
	assert.Equal(t, 1, res.FilesWritten)

	folded := path.Join(testBasePath, "p", fsview.LogFileName("f1", res.InstantTime, 1))
	exists, err := f.store.Exists(ctx, folded)
	require.NoError(t, err)
	assert.True(t, exists, "log compaction folds the slice into a new log file")
}

func TestScheduler_ClusteringReplacesGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)

	st1, err := f.io.WriteBase(ctx, "p", "f1", "tok", "20240315093045001", []types.Record{
		types.NewRecord("k2", "p", map[string]any{"v": "two"}),
	})
	require.NoError(t, err)
	st2, err := f.io.WriteBase(ctx, "p", "f2", "tok", "20240315093045001", []types.Record{
		types.NewRecord("k1", "p", map[string]any{"v": "one"}),
	})
	require.NoError(t, err)
	f.publish(t, "20240315093045001", timeline.ActionCommit, st1, st2)

	_, scheduled, err := f.sched.Schedule(ctx, timeline.ActionReplace, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	res, err := f.sched.Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.FilesWritten)

	// The replaced groups vanish from the snapshot at the replace instant.
	slices, err := f.view.SlicesAsOf(ctx, "p", res.InstantTime)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.NotContains(t, []string{"f1", "f2"}, slices[0].FileID)

	records, err := f.io.ReadSlice(ctx, slices[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "k1", records[0].Key, "clustered output is key-sorted")

	// They are still served before it.
	slices, err = f.view.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	assert.Len(t, slices, 2)
}

func TestScheduler_PendingPlanClaimsGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	_, scheduled, err := f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	// The group is claimed by the pending plan; a second schedule finds
	// nothing.
	_, scheduled, err = f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	assert.False(t, scheduled)
}

func TestScheduler_ExecuteAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	instant, scheduled, err := f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	// Targeting an absent instant fails instead of falling back to policy
	// selection.
	_, err = f.sched.ExecuteAt(ctx, "20240315093045999")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnknownInstant, apperr.GetCode(err))

	res, err := f.sched.ExecuteAt(ctx, instant)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, instant, res.InstantTime)

	_, ok := f.tl.FilterCompleted().GetInstant(instant)
	assert.True(t, ok)
}

func TestScheduler_CrashedRunIsCleanedUpAndRerun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)
	f.seedCompactable(t)

	instant, scheduled, err := f.sched.Schedule(ctx, timeline.ActionCompaction, []string{"p"})
	require.NoError(t, err)
	require.True(t, scheduled)

	// Simulate a run that transitioned to INFLIGHT, wrote one marked partial
	// file, and died.
	_, err = f.tl.TransitionToInflight(ctx, timeline.Instant{
		Time: instant, Action: timeline.ActionCompaction, State: timeline.StateRequested,
	}, nil)
	require.NoError(t, err)
	partial := path.Join("p", fsview.BaseFileName("f1", "deadtoken", instant))
	markers := rollback.NewMarkerManifest(f.store, testBasePath, instant)
	require.NoError(t, markers.WriteMarker(ctx, partial))
	require.NoError(t, f.store.Write(ctx, path.Join(testBasePath, partial), []byte("partial")))
	require.NoError(t, f.tl.Reload(ctx))

	res, err := f.sched.Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, instant, res.InstantTime, "the persisted plan is re-executed, not rescheduled")

	exists, err := f.store.Exists(ctx, path.Join(testBasePath, partial))
	require.NoError(t, err)
	assert.False(t, exists, "the crashed run's partial output is removed")

	_, ok := f.tl.FilterCompleted().GetInstant(instant)
	assert.True(t, ok)
}

func TestScheduler_CorruptPlanIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SelectFIFO)

	_, err := f.tl.CreateRequested(ctx, "20240315110000001", timeline.ActionCompaction, []byte("junk"))
	require.NoError(t, err)
	require.NoError(t, f.tl.Reload(ctx))

	_, err = f.sched.Execute(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePlanCorrupted, apperr.GetCode(err))

	require.NoError(t, f.tl.Reload(ctx))
	_, ok := f.tl.GetInstant("20240315110000001")
	assert.False(t, ok, "the unusable instant is removed so scheduling can regenerate it")
}

func TestScheduler_SelectionPolicy(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		policy SelectionPolicy
		want   string
	}{
		{SelectFIFO, "20240315110000001"},
		{SelectLIFO, "20240315110000002"},
	} {
		f := newFixture(t, tc.policy)
		_, err := f.tl.CreateRequested(ctx, "20240315110000001", timeline.ActionCompaction, nil)
		require.NoError(t, err)
		_, err = f.tl.CreateRequested(ctx, "20240315110000002", timeline.ActionCompaction, nil)
		require.NoError(t, err)
		require.NoError(t, f.tl.Reload(ctx))

		inst, ok := f.sched.selectPending()
		require.True(t, ok)
		assert.Equal(t, tc.want, inst.Time, "policy %s", tc.policy)
	}
}

func TestSelectionPolicy_Valid(t *testing.T) {
	assert.True(t, SelectFIFO.Valid())
	assert.True(t, SelectLIFO.Valid())
	assert.False(t, SelectionPolicy("random").Valid())
}
