package meta

// CompactionOperation rewrites one file slice: merge the base file (if any)
// with its log files into a new base file for the same file group.
type CompactionOperation struct {
	Partition    string   `json:"partition"`
	FileID       string   `json:"file_id"`
	BaseInstant  string   `json:"base_instant"`
	BaseFilePath string   `json:"base_file_path,omitempty"`
	LogFilePaths []string `json:"log_file_paths"`
}

// CompactionPlan enumerates the file slices a compaction instant will
// rewrite. Immutable once attached to a REQUESTED instant.
type CompactionPlan struct {
	Strategy   string                `json:"strategy,omitempty"`
	Operations []CompactionOperation `json:"operations"`
}

// SliceRef identifies one input file slice of a clustering group.
type SliceRef struct {
	Partition    string   `json:"partition"`
	FileID       string   `json:"file_id"`
	BaseInstant  string   `json:"base_instant"`
	BaseFilePath string   `json:"base_file_path,omitempty"`
	LogFilePaths []string `json:"log_file_paths,omitempty"`
}

// ClusteringGroup rewrites a set of input slices into NumOutputGroups new
// file groups, leaving record contents unchanged.
type ClusteringGroup struct {
	InputSlices     []SliceRef `json:"input_slices"`
	NumOutputGroups int        `json:"num_output_groups"`
}

// ClusteringPlan enumerates the groups a clustering (replace) instant will
// rewrite.
type ClusteringPlan struct {
	Strategy string            `json:"strategy,omitempty"`
	Groups   []ClusteringGroup `json:"groups"`
}

// FileActionType enumerates the concrete undo actions of a rollback plan.
type FileActionType string

const (
	// ActionDeleteFile removes a base or log file outright.
	ActionDeleteFile FileActionType = "delete_file"
	// ActionTruncateLog cuts a log file back to a prior length, undoing
	// appends made by the rolled-back instant.
	ActionTruncateLog FileActionType = "truncate_log"
)

// FileAction is one concrete undo step.
type FileAction struct {
	Type FileActionType `json:"type"`
	Path string         `json:"path"`
	// KeepLength is the length to truncate to; only for ActionTruncateLog.
	KeepLength int64 `json:"keep_length,omitempty"`
}

// RollbackPlan is persisted as a REQUESTED rollback instant before any data
// file is deleted, making rollback crash-resumable: every action is
// idempotent, so re-executing a partially applied plan converges.
type RollbackPlan struct {
	// TargetInstant is the instant being undone.
	TargetInstant string `json:"target_instant"`
	// TargetAction is the action of the target instant.
	TargetAction string `json:"target_action"`
	// TargetWasCompleted records whether the target had reached COMPLETED
	// when the plan was generated.
	TargetWasCompleted bool `json:"target_was_completed"`
	// MarkerBased records whether the actions came from the write-marker
	// manifest (true) or from partition-scoped listing (false).
	MarkerBased       bool         `json:"marker_based"`
	TouchedPartitions []string     `json:"touched_partitions"`
	Actions           []FileAction `json:"actions"`
}

// RollbackMetadata is the payload of a COMPLETED rollback instant.
type RollbackMetadata struct {
	TargetInstant string `json:"target_instant"`
	FilesDeleted  int    `json:"files_deleted"`
	LogsTruncated int    `json:"logs_truncated"`
}

// RestorePlan enumerates the sub-rollbacks needed to return the table to a
// savepoint. Targets are completed instants strictly after the savepoint,
// in descending timestamp order.
type RestorePlan struct {
	SavepointTime string   `json:"savepoint_time"`
	Targets       []string `json:"targets"`
}

// RestoreMetadata is the payload of a COMPLETED restore instant.
type RestoreMetadata struct {
	SavepointTime    string   `json:"savepoint_time"`
	RolledBack       []string `json:"rolled_back"`
	RollbackInstants []string `json:"rollback_instants"`
}
