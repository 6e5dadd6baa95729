package fsview

import (
	"context"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/meta"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
)

const testBasePath = "tables/t1"

func newViewFixture(t *testing.T) (*storage.LocalStore, *timeline.Timeline) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tl := timeline.New(store, testBasePath)
	require.NoError(t, tl.Reload(context.Background()))
	return store, tl
}

// commitFiles writes the given data files and publishes a completed instant
// covering them.
func commitFiles(t *testing.T, store storage.ObjectStore, tl *timeline.Timeline, instantTime string, action timeline.Action, partition string, names []string, replaced map[string][]string) {
	t.Helper()
	ctx := context.Background()

	stats := make([]meta.WriteStat, 0, len(names))
	for _, name := range names {
		rel := path.Join(partition, name)
		require.NoError(t, store.Write(ctx, path.Join(testBasePath, rel), []byte("data")))
		b, l, ok := ParseDataFileName(partition, rel)
		require.True(t, ok, "bad test file name %q", name)
		fileID := ""
		if b != nil {
			fileID = b.FileID
		} else {
			fileID = l.FileID
		}
		stats = append(stats, meta.WriteStat{Partition: partition, FileID: fileID, Path: rel, SizeBytes: 4})
	}

	payload, err := meta.Encode(&meta.CommitMetadata{
		Operation:       string(action),
		PartitionStats:  map[string][]meta.WriteStat{partition: stats},
		ReplacedFileIDs: replaced,
	})
	require.NoError(t, err)

	inst, err := tl.CreateRequested(ctx, instantTime, action, nil)
	require.NoError(t, err)
	_, err = tl.TransitionToInflight(ctx, inst, nil)
	require.NoError(t, err)
	_, _, err = tl.TransitionToCompleted(ctx, inst, payload)
	require.NoError(t, err)
	require.NoError(t, tl.Reload(ctx))
}

func TestListingView_HidesUncommittedFiles(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p",
		[]string{BaseFileName("f1", "tok", "20240315093045001")}, nil)

	// A file from a pending instant sits in the partition but is invisible.
	require.NoError(t, store.Write(ctx,
		path.Join(testBasePath, "p", BaseFileName("f2", "tok", "20240315093045002")), []byte("x")))
	_, err := tl.CreateRequested(ctx, "20240315093045002", timeline.ActionCommit, nil)
	require.NoError(t, err)
	require.NoError(t, tl.Reload(ctx))

	view := NewListingView(store, testBasePath, tl)
	slices, err := view.SlicesAsOf(ctx, "p", "20240315093045002")
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, "f1", slices[0].FileID)
}

func TestListingView_TimeTravelIsMonotone(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p",
		[]string{BaseFileName("f1", "a", "20240315093045001")}, nil)
	commitFiles(t, store, tl, "20240315093045002", timeline.ActionDeltaCommit, "p",
		[]string{LogFileName("f1", "20240315093045002", 1)}, nil)
	commitFiles(t, store, tl, "20240315093045003", timeline.ActionCommit, "p",
		[]string{BaseFileName("f2", "a", "20240315093045003")}, nil)

	view := NewListingView(store, testBasePath, tl)

	// asOf 001: only the bare base of f1.
	slices, err := view.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Empty(t, slices[0].LogFiles)

	// asOf 002: same slice, now carrying the log file.
	slices, err = view.SlicesAsOf(ctx, "p", "20240315093045002")
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Len(t, slices[0].LogFiles, 1)

	// asOf 003: both groups visible.
	slices, err = view.SlicesAsOf(ctx, "p", "20240315093045003")
	require.NoError(t, err)
	assert.Len(t, slices, 2)
}

func TestListingView_ReplaceHidesOldGroups(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p",
		[]string{BaseFileName("f1", "a", "20240315093045001"), BaseFileName("f2", "a", "20240315093045001")}, nil)
	commitFiles(t, store, tl, "20240315093045002", timeline.ActionReplace, "p",
		[]string{BaseFileName("f3", "a", "20240315093045002")},
		map[string][]string{"p": {"f1", "f2"}})

	view := NewListingView(store, testBasePath, tl)

	// Before the replace the original groups serve the snapshot.
	slices, err := view.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	ids := []string{}
	for _, s := range slices {
		ids = append(ids, s.FileID)
	}
	assert.ElementsMatch(t, []string{"f1", "f2"}, ids)

	// At the replace instant only the new group is visible.
	slices, err = view.SlicesAsOf(ctx, "p", "20240315093045002")
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, "f3", slices[0].FileID)
}

func TestIndexView_SyncAndForget(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p",
		[]string{BaseFileName("f1", "a", "20240315093045001")}, nil)

	index, err := NewFileIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer index.Close()

	iv := NewIndexView(index, tl)
	require.NoError(t, iv.Sync(ctx))

	slices, err := iv.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, "f1", slices[0].FileID)

	// Sync is idempotent.
	require.NoError(t, iv.Sync(ctx))
	slices, err = iv.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	assert.Len(t, slices, 1)

	require.NoError(t, iv.Forget(ctx, "20240315093045001"))
	slices, err = iv.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err)
	assert.Empty(t, slices)
}

// failingView errors on every call; it stands in for a broken index.
type failingView struct{}

func (failingView) SlicesAsOf(context.Context, string, string) ([]FileSlice, error) {
	return nil, apperr.NewStorageError(apperr.CodeIOFailed, "index unavailable", nil)
}

func (failingView) SliceAsOf(context.Context, string, string, string) (FileSlice, bool, error) {
	return FileSlice{}, false, apperr.NewStorageError(apperr.CodeIOFailed, "index unavailable", nil)
}

func (failingView) FileGroups(context.Context, string) ([]FileGroup, error) {
	return nil, apperr.NewStorageError(apperr.CodeIOFailed, "index unavailable", nil)
}

func TestPriorityView_FallsBackToListing(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p",
		[]string{BaseFileName("f1", "a", "20240315093045001")}, nil)

	pv := NewPriorityView(failingView{}, NewListingView(store, testBasePath, tl))

	slices, err := pv.SlicesAsOf(ctx, "p", "20240315093045001")
	require.NoError(t, err, "fallback must absorb the primary failure")
	require.Len(t, slices, 1)
	assert.Equal(t, "f1", slices[0].FileID)

	s, ok, err := pv.SliceAsOf(ctx, "p", "f1", "20240315093045001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f1", s.FileID)
}

func TestIncrementalFiles(t *testing.T) {
	ctx := context.Background()
	store, tl := newViewFixture(t)

	commitFiles(t, store, tl, "20240315093045001", timeline.ActionCommit, "p1",
		[]string{BaseFileName("f1", "a", "20240315093045001")}, nil)
	commitFiles(t, store, tl, "20240315093045002", timeline.ActionCommit, "p2",
		[]string{BaseFileName("f2", "a", "20240315093045002")}, nil)
	commitFiles(t, store, tl, "20240315093045003", timeline.ActionDeltaCommit, "p1",
		[]string{LogFileName("f1", "20240315093045003", 1)}, nil)

	view := NewListingView(store, testBasePath, tl)

	changed, err := IncrementalFiles(ctx, tl, view, "20240315093045001", "20240315093045003")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	require.Len(t, changed["p1"], 1)
	assert.Equal(t, "f1", changed["p1"][0].FileID)
	assert.Len(t, changed["p1"][0].LogFiles, 1, "slice is served at the range end")
	require.Len(t, changed["p2"], 1)
	assert.Equal(t, "f2", changed["p2"][0].FileID)
}
