package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fogsync/fogsync/pkg/models"
)

// CreateTask inserts the user's task. A user has at most one.
func (s *GORMStore) CreateTask(ctx context.Context, task *models.SnapshotTask) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateTask
		}
		return err
	}
	return nil
}

// GetTask fetches the user's task.
func (s *GORMStore) GetTask(ctx context.Context, userID int64) (*models.SnapshotTask, error) {
	var task models.SnapshotTask
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&task).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrTaskNotFound)
	}
	return &task, nil
}

// GetTaskForUpdate fetches the user's task with an exclusive row lock.
// Call inside WithTx.
func (s *GORMStore) GetTaskForUpdate(ctx context.Context, userID int64) (*models.SnapshotTask, error) {
	var task models.SnapshotTask
	err := s.lockExclusive(s.db.WithContext(ctx)).
		Where("user_id = ?", userID).
		First(&task).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrTaskNotFound)
	}
	return &task, nil
}

// GetRunningTaskForUpdate re-selects a running task with a row lock; the
// scheduler uses it to confirm the task is still live before committing
// a run's result. Returns nil (no error) when the task is gone or no
// longer running.
func (s *GORMStore) GetRunningTaskForUpdate(ctx context.Context, userID int64) (*models.SnapshotTask, error) {
	var task models.SnapshotTask
	err := s.lockExclusive(s.db.WithContext(ctx)).
		Where("user_id = ? AND status = ?", userID, models.TaskStatusRunning).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// NextDueTaskForUpdate selects the single most-overdue running task with
// an exclusive row lock, or nil when nothing is due. Call inside WithTx.
func (s *GORMStore) NextDueTaskForUpdate(ctx context.Context, now time.Time) (*models.SnapshotTask, error) {
	var task models.SnapshotTask
	err := s.lockExclusive(s.db.WithContext(ctx)).
		Where("status = ? AND next_sync <= ?", models.TaskStatusRunning, now).
		Order("next_sync ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// SetTaskNextSync moves a task's next fire time; the scheduler's soft
// lock is exactly this with now+20m.
func (s *GORMStore) SetTaskNextSync(ctx context.Context, userID int64, nextSync time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.SnapshotTask{}).
		Where("user_id = ?", userID).
		Update("next_sync", nextSync).Error
}

// UpdateTaskColumns updates selected columns of a task row previously
// locked inside the current transaction.
func (s *GORMStore) UpdateTaskColumns(ctx context.Context, userID int64, columns map[string]any) error {
	return s.db.WithContext(ctx).
		Model(&models.SnapshotTask{}).
		Where("user_id = ?", userID).
		Updates(columns).Error
}

// DeleteTask removes the user's task. Returns ErrTaskNotFound if there
// was none.
func (s *GORMStore) DeleteTask(ctx context.Context, userID int64) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.SnapshotTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

// MinNextSyncTime computes the earliest allowed next_sync after a
// scheduling reset: never earlier than now, and never within 20 minutes
// of the last run.
func (s *GORMStore) MinNextSyncTime(ctx context.Context, userID int64, now time.Time) (time.Time, error) {
	last, err := s.LastLogTime(ctx, userID, false)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return now, nil
	}
	if earliest := last.Add(20 * time.Minute); earliest.After(now) {
		return earliest, nil
	}
	return now, nil
}
