package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus is the lifecycle status of a call recording
type RecordingStatus string

const (
	RecordingStatusRecording RecordingStatus = "recording"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"
)

// Recording tracks the captured audio of one call. Created when the call
// becomes connected; transitions to completed or failed exactly once.
type Recording struct {
	CallID      uuid.UUID       `json:"call_id" db:"call_id"`
	StoragePath string          `json:"storage_path" db:"storage_path"`
	Size        int64           `json:"size,omitempty" db:"size"`
	Duration    int             `json:"duration,omitempty" db:"duration"` // seconds
	Status      RecordingStatus `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
