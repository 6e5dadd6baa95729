// Package timeline implements the append-only instant ledger: the sole
// source of truth for what happened to a table and when. Instants are
// persisted as one immutable object per (timestamp, action, state) triple
// under the table's .timeline/ prefix, named so a lexicographic sort
// reconstructs the ledger.
package timeline

import (
	"fmt"
	"strings"

	"github.com/arkilian/tidelake/pkg/types"
)

// TimelineDir is the prefix under the table base path holding instant files.
const TimelineDir = ".timeline"

// MarkerDir is the prefix under TimelineDir holding write-marker manifests.
const MarkerDir = "markers"

// completionSuffix marks fully written instant files on stores without
// atomic create; readers ignore unmarked files there.
const completionSuffix = ".ok"

// Action is the operation type recorded by an instant.
type Action string

const (
	ActionCommit        Action = "commit"
	ActionDeltaCommit   Action = "deltacommit"
	ActionCompaction    Action = "compaction"
	ActionLogCompaction Action = "logcompaction"
	// ActionReplace is a clustering rewrite: slices are replaced without
	// changing record contents.
	ActionReplace   Action = "replace"
	ActionRollback  Action = "rollback"
	ActionRestore   Action = "restore"
	ActionSavepoint Action = "savepoint"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCommit, ActionDeltaCommit, ActionCompaction, ActionLogCompaction,
		ActionReplace, ActionRollback, ActionRestore, ActionSavepoint:
		return true
	}
	return false
}

// IsTableService reports whether a is driven by the table service scheduler.
func (a Action) IsTableService() bool {
	return a == ActionCompaction || a == ActionLogCompaction || a == ActionReplace
}

// IsWrite reports whether a produces data files visible to readers.
func (a Action) IsWrite() bool {
	switch a {
	case ActionCommit, ActionDeltaCommit, ActionCompaction, ActionLogCompaction, ActionReplace:
		return true
	}
	return false
}

// State is the lifecycle state of an instant.
type State string

const (
	StateRequested State = "requested"
	StateInflight  State = "inflight"
	StateCompleted State = "completed"
)

// rank orders states for collapsing multiple persisted files of one instant
// into its current state.
func (s State) rank() int {
	switch s {
	case StateRequested:
		return 0
	case StateInflight:
		return 1
	case StateCompleted:
		return 2
	}
	return -1
}

// Instant is one timestamped, typed operation on the timeline.
type Instant struct {
	// Time is the 17-digit instant time (types.FormatInstantTime).
	Time   string
	Action Action
	State  State
}

// IsPending reports whether the instant has not reached COMPLETED.
func (i Instant) IsPending() bool {
	return i.State != StateCompleted
}

// IsCompleted reports whether the instant reached its terminal state.
func (i Instant) IsCompleted() bool {
	return i.State == StateCompleted
}

// FileName returns the persisted object name for this (time, action, state)
// triple. Completed files drop the state suffix so the newest state of an
// instant sorts first among its files.
func (i Instant) FileName() string {
	if i.State == StateCompleted {
		return i.Time + "." + string(i.Action)
	}
	return i.Time + "." + string(i.Action) + "." + string(i.State)
}

func (i Instant) String() string {
	return fmt.Sprintf("[%s %s %s]", i.Time, i.Action, i.State)
}

// ParseFileName parses a timeline object name back into an Instant.
// Returns false for names that are not instant files (markers, completion
// suffixes, foreign objects).
func ParseFileName(name string) (Instant, bool) {
	if strings.HasSuffix(name, completionSuffix) || strings.Contains(name, "/") {
		return Instant{}, false
	}

	parts := strings.Split(name, ".")
	if len(parts) != 2 && len(parts) != 3 {
		return Instant{}, false
	}
	if !types.ValidInstantTime(parts[0]) {
		return Instant{}, false
	}
	action := Action(parts[1])
	if !action.Valid() {
		return Instant{}, false
	}

	state := StateCompleted
	if len(parts) == 3 {
		state = State(parts[2])
		if state != StateRequested && state != StateInflight {
			return Instant{}, false
		}
	}
	return Instant{Time: parts[0], Action: action, State: state}, true
}
