package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the scheduling state of a user's snapshot task.
type TaskStatus string

const (
	// TaskStatusRunning means the scheduler picks the task up when due.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusPaused is set by the user.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusStopped is set by the system after repeated errors and
	// can never be requested by the user.
	TaskStatusStopped TaskStatus = "stopped"
)

// IsValid checks the status value.
func (s TaskStatus) IsValid() bool {
	return s == TaskStatusRunning || s == TaskStatusPaused || s == TaskStatusStopped
}

// AllowedIntervals is the whitelist of task intervals, in minutes.
var AllowedIntervals = map[int32]bool{
	6 * 60:      true,
	8 * 60:      true,
	12 * 60:     true,
	24 * 60:     true,
	2 * 24 * 60: true,
	7 * 24 * 60: true,
}

// SourceKindOneDrive is the only remote-source variant today.
const SourceKindOneDrive = "onedrive"

// Source is a tagged union describing where to fetch snapshots from.
// Persisted as JSON, e.g. {"kind":"onedrive","share_url":"https://..."}.
// Adding providers only adds variants.
type Source struct {
	Kind     string `json:"kind"`
	ShareURL string `json:"share_url,omitempty"`
}

// Value implements driver.Valuer.
func (s Source) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Source) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported source column type %T", value)
	}
	return json.Unmarshal(raw, s)
}

// Equal compares two sources by variant and payload.
func (s Source) Equal(other Source) bool {
	return s.Kind == other.Kind && s.ShareURL == other.ShareURL
}

// SnapshotTask is the per-user scheduled-fetch configuration. A user has
// at most one task; the user id is the primary key.
type SnapshotTask struct {
	UserID     int64      `gorm:"primaryKey" json:"-"`
	Status     TaskStatus `gorm:"not null;size:16" json:"status"`
	Interval   int32      `gorm:"not null" json:"interval"`
	Source     Source     `gorm:"type:text;not null" json:"source"`
	NextSync   time.Time  `gorm:"index;not null" json:"-"`
	ErrorCount int32      `gorm:"not null;default:0" json:"error_count"`
}

// TableName returns the table name for SnapshotTask.
func (SnapshotTask) TableName() string {
	return "snapshot_tasks"
}
