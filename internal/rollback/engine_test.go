package rollback

import (
	"context"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/fsview"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
	"github.com/arkilian/tidelake/pkg/types"
)

const testBasePath = "tables/t1"

type fixture struct {
	store *storage.LocalStore
	tl    *timeline.Timeline
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tl := timeline.New(store, testBasePath)
	require.NoError(t, tl.Reload(context.Background()))

	tm := txn.NewManager(txn.NewInProcessLock(), 5*time.Second)
	t.Cleanup(func() { tm.Close() })

	// Deterministic clock well after every data instant used in the tests.
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	i := 0
	gen := types.NewTimeGeneratorWithClock(0, func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	})

	return &fixture{store: store, tl: tl, eng: NewEngine(store, testBasePath, tl, tm, gen)}
}

// commitWithFiles publishes a completed write instant creating the named
// data files.
func (f *fixture) commitWithFiles(t *testing.T, instantTime string, action timeline.Action, partition string, names ...string) {
	t.Helper()
	ctx := context.Background()

	var stats []meta.WriteStat
	for _, name := range names {
		rel := path.Join(partition, name)
		require.NoError(t, f.store.Write(ctx, path.Join(testBasePath, rel), []byte("data")))
		b, l, ok := fsview.ParseDataFileName(partition, rel)
		require.True(t, ok)
		fileID := ""
		if b != nil {
			fileID = b.FileID
		} else {
			fileID = l.FileID
		}
		stats = append(stats, meta.WriteStat{Partition: partition, FileID: fileID, Path: rel, SizeBytes: 4})
	}
	payload, err := meta.Encode(&meta.CommitMetadata{
		Operation:      string(action),
		PartitionStats: map[string][]meta.WriteStat{partition: stats},
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

// commitMulti publishes a completed write instant spanning several
// partitions, files keyed by partition.
func (f *fixture) commitMulti(t *testing.T, instantTime string, action timeline.Action, files map[string][]string) {
	t.Helper()
	ctx := context.Background()

	partitionStats := make(map[string][]meta.WriteStat, len(files))
	for partition, names := range files {
		for _, name := range names {
			rel := path.Join(partition, name)
			require.NoError(t, f.store.Write(ctx, path.Join(testBasePath, rel), []byte("data")))
			b, l, ok := fsview.ParseDataFileName(partition, rel)
			require.True(t, ok)
			fileID := ""
			if b != nil {
				fileID = b.FileID
			} else {
				fileID = l.FileID
			}
			partitionStats[partition] = append(partitionStats[partition],
				meta.WriteStat{Partition: partition, FileID: fileID, Path: rel, SizeBytes: 4})
		}
	}
	payload, err := meta.Encode(&meta.CommitMetadata{
		Operation:      string(action),
		PartitionStats: partitionStats,
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

// pendingWithMarkers opens an INFLIGHT write instant with marked data files.
func (f *fixture) pendingWithMarkers(t *testing.T, instantTime string, partition string, names ...string) {
	t.Helper()
	ctx := context.Background()

	inst, err := f.tl.CreateRequested(ctx, instantTime, timeline.ActionCommit, nil)
	require.NoError(t, err)
	inflightMD, err := meta.Encode(&meta.InflightMetadata{
		DeclaredPartitions: []string{partition},
		ExpectedFiles:      len(names),
	})
	require.NoError(t, err)
	_, err = f.tl.TransitionToInflight(ctx, inst, inflightMD)
	require.NoError(t, err)

	markers := NewMarkerManifest(f.store, testBasePath, instantTime)
	for _, name := range names {
		rel := path.Join(partition, name)
		require.NoError(t, markers.WriteMarker(ctx, rel))
		require.NoError(t, f.store.Write(ctx, path.Join(testBasePath, rel), []byte("data")))
	}
	require.NoError(t, f.tl.Reload(ctx))
}

// savepointAt publishes a completed savepoint sharing the pinned commit's
// instant time.
func (f *fixture) savepointAt(t *testing.T, instantTime string) {
	t.Helper()
	ctx := context.Background()

	payload, err := meta.Encode(&meta.SavepointMetadata{PinnedInstant: instantTime})
	require.NoError(t, err)
	inst, err := f.tl.CreateRequested(ctx, instantTime, timeline.ActionSavepoint, nil)
	require.NoError(t, err)
	_, err = f.tl.TransitionToInflight(ctx, inst, nil)
	require.NoError(t, err)
	_, _, err = f.tl.TransitionToCompleted(ctx, inst, payload)
	require.NoError(t, err)
	require.NoError(t, f.tl.Reload(ctx))
}

func (f *fixture) dataExists(t *testing.T, partition, name string) bool {
	t.Helper()
	exists, err := f.store.Exists(context.Background(), path.Join(testBasePath, partition, name))
	require.NoError(t, err)
	return exists
}

func TestRollback_PendingInstantUsesMarkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	base := fsview.BaseFileName("f1", "tok", "20240315093045001")
	logf := fsview.LogFileName("f2", "20240315093045001", 1)
	f.pendingWithMarkers(t, "20240315093045001", "p", base, logf)

	res, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.False(t, res.AlreadyDone)
	assert.Equal(t, 2, res.FilesDeleted)

	assert.False(t, f.dataExists(t, "p", base))
	assert.False(t, f.dataExists(t, "p", logf))

	// Target erased from the timeline; markers gone.
	require.NoError(t, f.tl.Reload(ctx))
	_, ok := f.tl.GetInstant("20240315093045001")
	assert.False(t, ok)
	paths, err := NewMarkerManifest(f.store, testBasePath, "20240315093045001").List(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)

	// The completed rollback records its plan's provenance.
	done, md, found, err := f.tl.CompletedRollbackFor(ctx, "20240315093045001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.RollbackInstant, done.Time)
	assert.Equal(t, 2, md.FilesDeleted)
}

func TestRollback_CompletedInstantUsesListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	kept := fsview.BaseFileName("f1", "tok", "20240315093045001")
	doomedBase := fsview.BaseFileName("f2", "tok", "20240315093045002")
	doomedLog := fsview.LogFileName("f1", "20240315093045002", 1)
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", kept)
	f.commitWithFiles(t, "20240315093045002", timeline.ActionDeltaCommit, "p", doomedBase, doomedLog)

	res, err := f.eng.Rollback(ctx, "20240315093045002")
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesDeleted)

	// Only files stamped with the target instant are removed.
	assert.True(t, f.dataExists(t, "p", kept))
	assert.False(t, f.dataExists(t, "p", doomedBase))
	assert.False(t, f.dataExists(t, "p", doomedLog))

	require.NoError(t, f.tl.Reload(ctx))
	_, ok := f.tl.GetInstant("20240315093045002")
	assert.False(t, ok)
	_, ok = f.tl.GetInstant("20240315093045001")
	assert.True(t, ok)
}

func TestRollback_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p",
		fsview.BaseFileName("f1", "tok", "20240315093045001"))

	first, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	require.False(t, first.AlreadyDone)

	second, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)
	assert.Equal(t, first.RollbackInstant, second.RollbackInstant,
		"a repeated rollback converges on the same rollback instant")

	// Exactly one completed rollback instant for the target.
	rollbacks := f.tl.FilterByAction(timeline.ActionRollback).FilterCompleted().Instants()
	assert.Len(t, rollbacks, 1)
}

func TestRollback_CorruptPlanIsRegenerated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doomed := fsview.BaseFileName("f1", "tok", "20240315093045001")
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", doomed)

	// A crashed rollback left a plan that no longer passes validation.
	_, err := f.tl.CreateRequested(ctx, "20240315093045009", timeline.ActionRollback, []byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.tl.Reload(ctx))

	res, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.False(t, f.dataExists(t, "p", doomed))
	assert.NotEqual(t, "20240315093045009", res.RollbackInstant,
		"the corrupted instant is discarded, not resumed")

	require.NoError(t, f.tl.Reload(ctx))
	_, ok := f.tl.GetInstant("20240315093045009")
	assert.False(t, ok)
}

func TestRollback_ResumesPendingPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doomed := fsview.BaseFileName("f1", "tok", "20240315093045001")
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", doomed)

	// A crashed rollback persisted its plan and died before executing.
	plan := &meta.RollbackPlan{
		TargetInstant:      "20240315093045001",
		TargetAction:       string(timeline.ActionCommit),
		TargetWasCompleted: true,
		TouchedPartitions:  []string{"p"},
		Actions:            []meta.FileAction{{Type: meta.ActionDeleteFile, Path: path.Join("p", doomed)}},
	}
	payload, err := meta.Encode(plan)
	require.NoError(t, err)
	_, err = f.tl.CreateRequested(ctx, "20240315093045009", timeline.ActionRollback, payload)
	require.NoError(t, err)
	require.NoError(t, f.tl.Reload(ctx))

	res, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.Equal(t, "20240315093045009", res.RollbackInstant, "the pending plan is resumed, not replanned")
	assert.False(t, f.dataExists(t, "p", doomed))
}

func TestRollback_ReusesInstantWhenCompletionLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p",
		fsview.BaseFileName("f1", "tok", "20240315093045001"))

	first, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)

	// The COMPLETED rollback file is lost after execution (partial restore
	// of a backup, operator cleanup); the requested plan survives.
	completed := timeline.Instant{
		Time: first.RollbackInstant, Action: timeline.ActionRollback, State: timeline.StateCompleted,
	}
	require.NoError(t, f.store.Delete(ctx, f.tl.InstantPath(completed)))
	require.NoError(t, f.tl.Reload(ctx))

	second, err := f.eng.Rollback(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.False(t, second.AlreadyDone)
	assert.Equal(t, first.RollbackInstant, second.RollbackInstant,
		"the surviving plan is re-driven under its original timestamp")

	require.NoError(t, f.tl.Reload(ctx))
	rollbacks := f.tl.FilterByAction(timeline.ActionRollback).Instants()
	require.Len(t, rollbacks, 1)
	assert.True(t, rollbacks[0].IsCompleted())
}

func TestRollback_ConcurrentCallersProduceOneRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doomed := fsview.BaseFileName("f1", "tok", "20240315093045001")
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", doomed)

	const callers = 4
	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.eng.Rollback(ctx, "20240315093045001")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i], "caller %d", i)
	}
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0].RollbackInstant, results[i].RollbackInstant,
			"every caller converges on the same rollback instant")
	}

	require.NoError(t, f.tl.Reload(ctx))
	rollbacks := f.tl.FilterByAction(timeline.ActionRollback).FilterCompleted().Instants()
	assert.Len(t, rollbacks, 1, "at most one completed rollback per target")
	assert.False(t, f.dataExists(t, "p", doomed))
	_, ok := f.tl.GetInstant("20240315093045001")
	assert.False(t, ok)
}

func TestRollback_UnknownInstant(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Rollback(context.Background(), "20240315093045001")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnknownInstant, apperr.GetCode(err))
}

func TestRollback_RefusesSavepointedInstant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p",
		fsview.BaseFileName("f1", "tok", "20240315093045001"))
	f.commitWithFiles(t, "20240315093045002", timeline.ActionCommit, "p",
		fsview.BaseFileName("f2", "tok", "20240315093045002"))
	f.savepointAt(t, "20240315093045002")

	_, err := f.eng.Rollback(ctx, "20240315093045001")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadTransition, apperr.GetCode(err))

	_, err = f.eng.Rollback(ctx, "20240315093045002")
	require.Error(t, err, "the pinned commit itself is protected too")
}

func TestRestore_ReturnsTableToSavepoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	file1 := fsview.BaseFileName("f1", "tok", "20240315093045001")
	file2 := fsview.BaseFileName("f2", "tok", "20240315093045002")
	file3 := fsview.BaseFileName("f3", "tok", "20240315093045003")
	file4 := fsview.LogFileName("f2", "20240315093045004", 1)
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", file1)
	f.commitWithFiles(t, "20240315093045002", timeline.ActionCommit, "p", file2)
	f.savepointAt(t, "20240315093045002")
	f.commitWithFiles(t, "20240315093045003", timeline.ActionCommit, "p", file3)
	f.commitWithFiles(t, "20240315093045004", timeline.ActionDeltaCommit, "p", file4)

	res, err := f.eng.Restore(ctx, "20240315093045002")
	require.NoError(t, err)
	assert.Equal(t, []string{"20240315093045004", "20240315093045003"}, res.RolledBack,
		"newer instants are rolled back first")
	assert.Len(t, res.RollbackInstants, 2)

	// Only files at or before the savepoint survive.
	assert.True(t, f.dataExists(t, "p", file1))
	assert.True(t, f.dataExists(t, "p", file2))
	assert.False(t, f.dataExists(t, "p", file3))
	assert.False(t, f.dataExists(t, "p", file4))

	require.NoError(t, f.tl.Reload(ctx))
	_, ok := f.tl.GetInstant("20240315093045003")
	assert.False(t, ok)
	_, ok = f.tl.GetInstant("20240315093045004")
	assert.False(t, ok)
	_, ok = f.tl.FilterCompleted().FilterByAction(timeline.ActionRestore).GetInstant(res.RestoreInstant)
	assert.True(t, ok, "the restore instant itself is completed")
}

func TestRestore_AlsoRollsBackPendingInstants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	file1 := fsview.BaseFileName("f1", "tok", "20240315093045001")
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p", file1)
	f.savepointAt(t, "20240315093045001")

	orphan := fsview.BaseFileName("f9", "tok", "20240315093045005")
	f.pendingWithMarkers(t, "20240315093045005", "p", orphan)

	_, err := f.eng.Restore(ctx, "20240315093045001")
	require.NoError(t, err)
	assert.True(t, f.dataExists(t, "p", file1))
	assert.False(t, f.dataExists(t, "p", orphan), "pending leftovers after the savepoint are removed")
}

func TestRestore_MultiPartitionTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	partitions := []string{"dt=2024-03-13", "dt=2024-03-14", "dt=2024-03-15"}
	times := []string{"20240315093045001", "20240315093045002", "20240315093045003"}
	// files[i][p] is the base file commit i wrote into partition p.
	files := make([]map[string]string, len(times))
	for i, ts := range times {
		batch := make(map[string][]string, len(partitions))
		files[i] = make(map[string]string, len(partitions))
		for j, p := range partitions {
			name := fsview.BaseFileName(fmt.Sprintf("f%d", j), "tok", ts)
			batch[p] = []string{name}
			files[i][p] = name
		}
		f.commitMulti(t, ts, timeline.ActionCommit, batch)
	}
	f.savepointAt(t, times[0])

	res, err := f.eng.Restore(ctx, times[0])
	require.NoError(t, err)
	assert.Equal(t, []string{times[2], times[1]}, res.RolledBack)
	assert.Len(t, res.RollbackInstants, 2)

	// Every partition keeps exactly its savepointed base file.
	for _, p := range partitions {
		assert.True(t, f.dataExists(t, p, files[0][p]), "partition %s lost its savepointed file", p)
		assert.False(t, f.dataExists(t, p, files[1][p]))
		assert.False(t, f.dataExists(t, p, files[2][p]))
	}

	require.NoError(t, f.tl.Reload(ctx))
	for _, ts := range times[1:] {
		_, ok := f.tl.GetInstant(ts)
		assert.False(t, ok)
	}
	_, ok := f.tl.GetInstant(times[0])
	assert.True(t, ok)
}

func TestRestore_UnknownSavepoint(t *testing.T) {
	f := newFixture(t)
	f.commitWithFiles(t, "20240315093045001", timeline.ActionCommit, "p",
		fsview.BaseFileName("f1", "tok", "20240315093045001"))

	_, err := f.eng.Restore(context.Background(), "20240315093045001")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSavepointNotFound, apperr.GetCode(err))
}

func TestDefaultMarkerPolicy(t *testing.T) {
	assert.False(t, DefaultMarkerPolicy(0, 0), "an empty manifest is never trusted")
	assert.False(t, DefaultMarkerPolicy(1, 2), "an undercounting manifest is not trusted")
	assert.True(t, DefaultMarkerPolicy(2, 2))
	assert.True(t, DefaultMarkerPolicy(3, 0), "unknown declarations accept any non-empty manifest")
}
