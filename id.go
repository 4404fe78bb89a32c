package agentloop

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-sortable UUIDv7 string, used for conversation IDs,
// tool-use IDs, and message IDs throughout the loop.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time in Unix milliseconds, used to stamp
// Message.CreatedAt.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
