package fsview

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/tidelake/internal/meta"
)

// FileIndex is a local SQLite index of the files recorded by completed
// instants. It backs the fast side of the priority view, letting snapshot
// queries skip storage listings entirely. The index is a cache: it can be
// rebuilt at any time from the timeline, and the listing view remains the
// fallback when it is stale or unavailable.
type FileIndex struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	mu     sync.Mutex
}

var fileIndexSchema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		partition TEXT NOT NULL,
		file_id TEXT NOT NULL,
		instant_time TEXT NOT NULL,
		kind TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_partition ON files(partition)`,
	`CREATE INDEX IF NOT EXISTS idx_files_instant ON files(instant_time)`,
	`CREATE TABLE IF NOT EXISTS applied_instants (
		instant_time TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`,
}

// NewFileIndex opens (or creates) a file index at dbPath.
func NewFileIndex(dbPath string) (*FileIndex, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("fsview: failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fsview: failed to open index read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	idx := &FileIndex{db: db, readDB: readDB}
	for _, stmt := range fileIndexSchema {
		if _, err := db.Exec(stmt); err != nil {
			readDB.Close()
			db.Close()
			return nil, fmt.Errorf("fsview: failed to initialize index schema: %w", err)
		}
	}
	return idx, nil
}

// Close closes both database connections.
func (x *FileIndex) Close() error {
	if err := x.readDB.Close(); err != nil {
		x.db.Close()
		return err
	}
	return x.db.Close()
}

// HasInstant reports whether the commit metadata of instantTime has been
// applied to the index.
func (x *FileIndex) HasInstant(ctx context.Context, instantTime string) (bool, error) {
	var one int
	err := x.readDB.QueryRowContext(ctx,
		"SELECT 1 FROM applied_instants WHERE instant_time = ?", instantTime).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsview: failed to check applied instant: %w", err)
	}
	return true, nil
}

// ApplyCommit records the files written by a completed instant. Applying
// the same instant twice is a no-op.
func (x *FileIndex) ApplyCommit(ctx context.Context, instantTime string, md *meta.CommitMetadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fsview: failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM applied_instants WHERE instant_time = ?", instantTime).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("fsview: failed to check applied instant: %w", err)
	}

	for partition, stats := range md.PartitionStats {
		for _, st := range stats {
			_, l, ok := ParseDataFileName(partition, st.Path)
			if !ok {
				return fmt.Errorf("fsview: commit %s records unparseable path %s", instantTime, st.Path)
			}
			kind, version := "base", 0
			if l != nil {
				kind, version = "log", l.Version
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO files (path, partition, file_id, instant_time, kind, version, size_bytes)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				st.Path, partition, st.FileID, instantTime, kind, version, st.SizeBytes); err != nil {
				return fmt.Errorf("fsview: failed to index file %s: %w", st.Path, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO applied_instants (instant_time, applied_at) VALUES (?, ?)",
		instantTime, time.Now().Unix()); err != nil {
		return fmt.Errorf("fsview: failed to record applied instant: %w", err)
	}
	return tx.Commit()
}

// RemoveInstant drops every file recorded by instantTime. Called when the
// instant is rolled back.
func (x *FileIndex) RemoveInstant(ctx context.Context, instantTime string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fsview: failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE instant_time = ?", instantTime); err != nil {
		return fmt.Errorf("fsview: failed to remove indexed files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM applied_instants WHERE instant_time = ?", instantTime); err != nil {
		return fmt.Errorf("fsview: failed to remove applied instant: %w", err)
	}
	return tx.Commit()
}

// FilesForPartition returns the indexed base and log files of a partition.
func (x *FileIndex) FilesForPartition(ctx context.Context, partition string) ([]BaseFile, []LogFile, error) {
	rows, err := x.readDB.QueryContext(ctx,
		`SELECT path, file_id, instant_time, kind, version, size_bytes
		 FROM files WHERE partition = ?`, partition)
	if err != nil {
		return nil, nil, fmt.Errorf("fsview: failed to query indexed files: %w", err)
	}
	defer rows.Close()

	var bases []BaseFile
	var logs []LogFile
	for rows.Next() {
		var p, fileID, instant, kind string
		var version int
		var size int64
		if err := rows.Scan(&p, &fileID, &instant, &kind, &version, &size); err != nil {
			return nil, nil, fmt.Errorf("fsview: failed to scan indexed file: %w", err)
		}
		switch kind {
		case "base":
			b, _, ok := ParseDataFileName(partition, p)
			if !ok || b == nil {
				return nil, nil, fmt.Errorf("fsview: unparseable indexed base path %s", p)
			}
			b.Size = size
			bases = append(bases, *b)
		case "log":
			logs = append(logs, LogFile{
				Path: p, Partition: partition, FileID: fileID,
				InstantTime: instant, Version: version, Size: size,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("fsview: error iterating indexed files: %w", err)
	}
	return bases, logs, nil
}
