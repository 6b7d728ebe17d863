package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SourceKind records how a snapshot came to exist.
type SourceKind string

const (
	// SourceKindScheduled marks snapshots produced by the scheduler.
	SourceKindScheduled SourceKind = "sync"
	// SourceKindUpload marks snapshots uploaded directly by the user.
	SourceKindUpload SourceKind = "upload"
)

// MaxNoteLength caps the free-form note on a snapshot.
const MaxNoteLength = 256

// SyncFiles maps sync-file ids to lowercase SHA-256 digests. It is
// persisted as a JSON object with stringified ids, e.g.
// {"117660":"6e34..."}.
type SyncFiles map[uint32]string

// Value implements driver.Valuer.
func (s SyncFiles) Value() (driver.Value, error) {
	m := make(map[string]string, len(s))
	for id, sha := range s {
		m[strconv.FormatUint(uint64(id), 10)] = sha
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *SyncFiles) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("unsupported sync_files column type %T", value)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	out := make(SyncFiles, len(m))
	for idStr, sha := range m {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid sync file id %q: %w", idStr, err)
		}
		out[uint32(id)] = sha
	}
	*s = out
	return nil
}

// Equal reports whether two maps hold exactly the same (id, sha) pairs.
func (s SyncFiles) Equal(other SyncFiles) bool {
	if len(s) != len(other) {
		return false
	}
	for id, sha := range s {
		if other[id] != sha {
			return false
		}
	}
	return true
}

// Snapshot is an immutable record of the set of sync files a user had at
// an instant in time.
type Snapshot struct {
	ID         int64      `gorm:"primaryKey" json:"id"`
	UserID     int64      `gorm:"index:idx_snapshots_user_timestamp;not null" json:"-"`
	Timestamp  time.Time  `gorm:"index:idx_snapshots_user_timestamp;not null" json:"timestamp"`
	SourceKind SourceKind `gorm:"not null;size:16" json:"source_kind"`
	Note       *string    `gorm:"size:256" json:"note"`
	SyncFiles  SyncFiles  `gorm:"type:text;not null" json:"-"`
}

// TableName returns the table name for Snapshot.
func (Snapshot) TableName() string {
	return "snapshots"
}
