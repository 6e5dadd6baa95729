package meta

// WriteStat records one file written by an instant.
type WriteStat struct {
	Partition string `json:"partition"`
	FileID    string `json:"file_id"`
	Path      string `json:"path"`
	// PrevBaseInstant is the base instant of the slice this write extended,
	// empty for a new file group.
	PrevBaseInstant string `json:"prev_base_instant,omitempty"`
	NumWrites       int64  `json:"num_writes"`
	SizeBytes       int64  `json:"size_bytes"`
}

// CommitMetadata is the payload of a completed write or table-service
// instant. PartitionStats powers incremental queries and gives rollback its
// partition scope.
type CommitMetadata struct {
	Operation      string                 `json:"operation"`
	PartitionStats map[string][]WriteStat `json:"partition_stats"`
	// ReplacedFileIDs maps partition to the file groups this instant
	// superseded; set only by clustering (replace) commits. Replaced groups
	// stay on disk but drop out of snapshots at or after this instant.
	ReplacedFileIDs map[string][]string `json:"replaced_file_ids,omitempty"`
	Extra           map[string]string   `json:"extra,omitempty"`
}

// TouchedPartitions returns the sorted-free list of partitions this commit
// wrote to.
func (m *CommitMetadata) TouchedPartitions() []string {
	partitions := make([]string, 0, len(m.PartitionStats))
	for p := range m.PartitionStats {
		partitions = append(partitions, p)
	}
	return partitions
}

// WrittenPaths returns every file path this commit created.
func (m *CommitMetadata) WrittenPaths() []string {
	var paths []string
	for _, stats := range m.PartitionStats {
		for _, st := range stats {
			paths = append(paths, st.Path)
		}
	}
	return paths
}

// FileCount returns the number of files this commit created.
func (m *CommitMetadata) FileCount() int {
	n := 0
	for _, stats := range m.PartitionStats {
		n += len(stats)
	}
	return n
}

// InflightMetadata is the payload of an INFLIGHT write instant: the
// partitions the writer declared it would touch. Rollback uses it to scope
// listing-based deletion when markers are unusable.
type InflightMetadata struct {
	DeclaredPartitions []string `json:"declared_partitions"`
	// ExpectedFiles is the number of files the writer intends to create,
	// when known. Zero means unknown.
	ExpectedFiles int `json:"expected_files,omitempty"`
}

// SavepointMetadata pins the files of a completed instant against cleanup
// until the savepoint is released.
type SavepointMetadata struct {
	// PinnedInstant is the completed instant being pinned.
	PinnedInstant string `json:"pinned_instant"`
	// PinnedFiles maps partition to the file paths visible at the pinned
	// instant.
	PinnedFiles map[string][]string `json:"pinned_files"`
	Comment     string              `json:"comment,omitempty"`
}
