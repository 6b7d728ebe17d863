package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fogsync/fogsync/pkg/models"
)

// AppendLog inserts a snapshot-log row. Logs are append-only.
func (s *GORMStore) AppendLog(ctx context.Context, log *models.SnapshotLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// ListLogs returns all of a user's logs, newest first.
func (s *GORMStore) ListLogs(ctx context.Context, userID int64) ([]models.SnapshotLog, error) {
	var logs []models.SnapshotLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Find(&logs).Error
	return logs, err
}

// LastLogTime returns the timestamp of the most recent log, optionally
// restricted to successful runs. Returns nil when there are no logs.
func (s *GORMStore) LastLogTime(ctx context.Context, userID int64, succeedOnly bool) (*time.Time, error) {
	q := s.db.WithContext(ctx).
		Model(&models.SnapshotLog{}).
		Where("user_id = ?", userID).
		Order("timestamp DESC")
	if succeedOnly {
		q = q.Where("succeed = ?", true)
	}

	var log models.SnapshotLog
	if err := q.First(&log).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &log.Timestamp, nil
}
