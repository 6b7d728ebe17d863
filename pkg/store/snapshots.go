package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/fogsync/fogsync/pkg/models"
)

// CreateSnapshot inserts a snapshot row.
func (s *GORMStore) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	return s.db.WithContext(ctx).Create(snapshot).Error
}

// GetSnapshot fetches a snapshot owned by the user.
func (s *GORMStore) GetSnapshot(ctx context.Context, userID, snapshotID int64) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, snapshotID).
		First(&snapshot).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrSnapshotNotFound)
	}
	return &snapshot, nil
}

// GetSnapshotByID fetches a snapshot regardless of owner. Download grants
// carry the snapshot id; ownership was checked when the grant was issued.
func (s *GORMStore) GetSnapshotByID(ctx context.Context, snapshotID int64) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).Where("id = ?", snapshotID).First(&snapshot).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrSnapshotNotFound)
	}
	return &snapshot, nil
}

// GetSnapshotForUpdate fetches a snapshot with an exclusive row lock.
// Call inside WithTx.
func (s *GORMStore) GetSnapshotForUpdate(ctx context.Context, userID, snapshotID int64) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.lockExclusive(s.db.WithContext(ctx)).
		Where("user_id = ? AND id = ?", userID, snapshotID).
		First(&snapshot).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrSnapshotNotFound)
	}
	return &snapshot, nil
}

// ListSnapshots returns one page ordered by timestamp descending, along
// with the total number of snapshots the user has.
func (s *GORMStore) ListSnapshots(ctx context.Context, userID int64, page, pageSize int) ([]models.Snapshot, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Snapshot{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var snapshots []models.Snapshot
	err := q.Order("timestamp DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&snapshots).Error
	if err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}

// ListAllSnapshotsAsc returns every snapshot of a user ordered by
// timestamp ascending; the archive exporter walks them in this order.
func (s *GORMStore) ListAllSnapshotsAsc(ctx context.Context, userID int64) ([]models.Snapshot, error) {
	var snapshots []models.Snapshot
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp ASC").
		Find(&snapshots).Error
	return snapshots, err
}

// LatestSnapshot returns the user's most recent snapshot, or nil.
func (s *GORMStore) LatestSnapshot(ctx context.Context, userID int64) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

// PrevSnapshot returns the nearest snapshot at or before the given
// timestamp, excluding the snapshot itself. Ties are broken by id.
func (s *GORMStore) PrevSnapshot(ctx context.Context, userID, selfID int64, snapshot *models.Snapshot) (*models.Snapshot, error) {
	var prev models.Snapshot
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id <> ? AND timestamp <= ?", userID, selfID, snapshot.Timestamp).
		Order("timestamp DESC").
		First(&prev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &prev, nil
}

// NextSnapshot returns the nearest snapshot at or after the given
// timestamp, excluding the snapshot itself.
func (s *GORMStore) NextSnapshot(ctx context.Context, userID, selfID int64, snapshot *models.Snapshot) (*models.Snapshot, error) {
	var next models.Snapshot
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id <> ? AND timestamp >= ?", userID, selfID, snapshot.Timestamp).
		Order("timestamp ASC").
		First(&next).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &next, nil
}

// UpdateSnapshotNote updates the note of a row previously locked with
// GetSnapshotForUpdate.
func (s *GORMStore) UpdateSnapshotNote(ctx context.Context, snapshot *models.Snapshot, note *string) error {
	return s.db.WithContext(ctx).
		Model(snapshot).
		Update("note", note).Error
}

// DeleteSnapshot removes a row previously locked with GetSnapshotForUpdate.
// Stored files are intentionally left behind; there is no reference GC.
func (s *GORMStore) DeleteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	return s.db.WithContext(ctx).Delete(snapshot).Error
}
