package models

import "time"

// SnapshotLog records one run of the fetch pipeline (or one direct
// upload). A nil SnapshotID with Succeed=true means the run succeeded but
// found no changes; Succeed=false always has a nil SnapshotID. Logs are
// append-only.
type SnapshotLog struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	UserID     int64     `gorm:"index;not null" json:"-"`
	SnapshotID *int64    `json:"snapshot_id"`
	Timestamp  time.Time `gorm:"index;not null" json:"timestamp"`
	Succeed    bool      `gorm:"not null" json:"succeed"`
	Details    string    `gorm:"type:text;not null" json:"details"`
}

// TableName returns the table name for SnapshotLog.
func (SnapshotLog) TableName() string {
	return "snapshot_logs"
}
