package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewFileID returns a fresh file-group identity. File IDs are stable for the
// life of a file group; every base file rewritten for the group carries the
// same ID with a newer instant time.
func NewFileID() string {
	return uuid.NewString()
}

// NewWriteToken returns a short token distinguishing concurrent write
// attempts for the same (fileID, instantTime) pair. Only the attempt whose
// instant reaches COMPLETED becomes visible, so the token never needs to be
// globally unique — just unlikely to collide within one instant.
func NewWriteToken() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
