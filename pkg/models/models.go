// Package models defines the persisted entities: users, snapshots,
// snapshot logs and snapshot tasks.
package models

// AllModels returns every model for schema migration.
func AllModels() []any {
	return []any{
		&User{},
		&Snapshot{},
		&SnapshotLog{},
		&SnapshotTask{},
	}
}
