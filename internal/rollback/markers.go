// Package rollback undoes instants. A rollback persists its plan before
// deleting anything, making it idempotent and crash-resumable; restore
// composes rollbacks to return a table to a savepoint.
package rollback

import (
	"context"
	"path"
	"strings"

	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/timeline"
)

// MarkerManifest tracks the files created by one in-progress instant.
// Writers drop one marker per data file before writing it; rollback uses
// the markers for targeted deletion without listing, and commit deletes
// the whole manifest.
type MarkerManifest struct {
	store       storage.ObjectStore
	basePath    string
	instantTime string
}

// NewMarkerManifest returns the marker manifest of an instant.
func NewMarkerManifest(store storage.ObjectStore, basePath, instantTime string) *MarkerManifest {
	return &MarkerManifest{store: store, basePath: basePath, instantTime: instantTime}
}

// Dir returns the manifest's prefix.
func (m *MarkerManifest) Dir() string {
	return path.Join(m.basePath, timeline.TimelineDir, timeline.MarkerDir, m.instantTime)
}

// markerName encodes a data path into a flat marker object name.
func markerName(dataPath string) string {
	return strings.ReplaceAll(dataPath, "/", "__") + ".marker"
}

// WriteMarker records that the instant is about to create dataPath
// (relative to the table base path). Re-marking the same path overwrites.
func (m *MarkerManifest) WriteMarker(ctx context.Context, dataPath string) error {
	return m.store.Write(ctx, path.Join(m.Dir(), markerName(dataPath)), []byte(dataPath))
}

// List returns the data paths recorded by the manifest.
func (m *MarkerManifest) List(ctx context.Context) ([]string, error) {
	entries, err := m.store.List(ctx, m.Dir()+"/")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Path, ".marker") {
			continue
		}
		data, err := m.store.Read(ctx, e.Path)
		if err != nil {
			if err == storage.ErrObjectNotFound {
				continue // deleted concurrently
			}
			return nil, err
		}
		paths = append(paths, string(data))
	}
	return paths, nil
}

// DeleteAll removes the manifest. Called on commit and after rollback.
func (m *MarkerManifest) DeleteAll(ctx context.Context) error {
	entries, err := m.store.List(ctx, m.Dir()+"/")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.store.Delete(ctx, e.Path); err != nil {
			return err
		}
	}
	return nil
}

// MarkerValidityPolicy decides whether a marker manifest is complete enough
// for targeted rollback. expectedFiles is the file count the writer
// declared, or zero when unknown. The exact threshold is deployment policy;
// the default requires every declared file to be marked.
type MarkerValidityPolicy func(markerCount, expectedFiles int) bool

// DefaultMarkerPolicy accepts the manifest when it is non-empty and covers
// every declared file. With no declaration, any non-empty manifest passes.
func DefaultMarkerPolicy(markerCount, expectedFiles int) bool {
	if markerCount == 0 {
		return false
	}
	if expectedFiles > 0 && markerCount < expectedFiles {
		return false
	}
	return true
}
