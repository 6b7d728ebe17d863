// Package scheduler runs the periodic OneDrive sync tasks. A single
// worker claims one due task at a time with a short soft lock, fetches
// outside any transaction, then commits the outcome in a second
// transaction that re-checks the task is still live and unchanged.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/fetcher"
	"github.com/fogsync/fogsync/pkg/metrics"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/store"
)

const (
	// The claim transaction pushes next_sync this far out, so a crashed
	// worker's task becomes eligible again on its own.
	softLockInterval = 20 * time.Minute

	// A task is stopped after this many consecutive failures.
	maxErrorCount = 3

	startupDelay       = 10 * time.Second
	idleInterval       = 30 * time.Second
	errorRetryInterval = time.Minute
)

// SourceFetcher fetches one user's sync folder. Satisfied by
// *fetcher.Fetcher.
type SourceFetcher interface {
	Fetch(ctx context.Context, uid int64) (*fetcher.Result, error)
}

// FetcherFactory builds a fetcher for a task's source.
type FetcherFactory func(source models.Source) SourceFetcher

// Scheduler is the single sync worker.
type Scheduler struct {
	Store      *store.GORMStore
	NewFetcher FetcherFactory

	// Metrics is optional; a nil value disables recording.
	Metrics *metrics.Metrics

	now func() time.Time
}

// New builds a Scheduler.
func New(st *store.GORMStore, factory FetcherFactory) *Scheduler {
	return &Scheduler{Store: st, NewFetcher: factory, now: time.Now}
}

// Run drives the worker loop until ctx is cancelled. Startup is delayed
// a little so the rest of the process finishes coming up first.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("scheduler starting", "delay", startupDelay)
	if !sleep(ctx, startupDelay) {
		return
	}
	for {
		did, err := s.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			logger.Info("scheduler stopping")
			return
		case err != nil:
			logger.Error("scheduler pass failed", "error", err)
			if !sleep(ctx, errorRetryInterval) {
				return
			}
		case !did:
			if !sleep(ctx, idleInterval) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// RunOnce claims and runs at most one due task. It reports whether a
// task was processed.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	task, err := s.claimOneTask(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if err := s.runTask(ctx, task); err != nil {
		return true, err
	}
	return true, nil
}

// claimOneTask picks the most overdue running task and soft-locks it by
// pushing next_sync out, all in one transaction.
func (s *Scheduler) claimOneTask(ctx context.Context) (*models.SnapshotTask, error) {
	var claimed *models.SnapshotTask
	err := s.Store.WithTx(ctx, func(tx *store.GORMStore) error {
		task, err := tx.NextDueTaskForUpdate(ctx, s.now())
		if err != nil || task == nil {
			return err
		}
		if err := tx.SetTaskNextSync(ctx, task.UserID, s.now().Add(softLockInterval)); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	return claimed, err
}

// runTask fetches for one claimed task and commits the outcome.
func (s *Scheduler) runTask(ctx context.Context, task *models.SnapshotTask) error {
	logger.Info("running sync task", "user_id", task.UserID)
	start := s.now()

	result, fetchErr := s.NewFetcher(task.Source).Fetch(ctx, task.UserID)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var details []string
	if result != nil {
		details = append(details, result.Logs...)
	}
	if fetchErr != nil {
		details = append(details, fetchErr.Error())
	}

	outcome := metrics.ResultSuccess
	if fetchErr != nil {
		outcome = metrics.ResultFailure
	}
	err := s.Store.WithTx(ctx, func(tx *store.GORMStore) error {
		// the task may have been paused, deleted, or repointed while we
		// were fetching; in that case the result is discarded
		live, err := tx.GetRunningTaskForUpdate(ctx, task.UserID)
		if err != nil {
			return err
		}
		if live == nil || !live.Source.Equal(task.Source) {
			logger.Info("task changed during fetch, discarding result", "user_id", task.UserID)
			outcome = metrics.ResultDiscarded
			return nil
		}

		updates := map[string]any{}

		var snapshotID *int64
		if fetchErr == nil {
			// the snapshot is dated at the attempt's listing time, not
			// the claim time; lock retries can put minutes between them
			created, err := s.maybeCreateSnapshot(ctx, tx, task.UserID, result.Timestamp, result.Files, &details)
			if err != nil {
				return err
			}
			snapshotID = created
			updates["error_count"] = int32(0)
			interval := time.Duration(live.Interval) * time.Minute
			updates["next_sync"] = s.now().Add(interval)
		} else {
			// next_sync keeps the claim-time soft lock, which doubles as
			// the failure backoff
			errorCount := live.ErrorCount + 1
			updates["error_count"] = errorCount
			if errorCount >= maxErrorCount {
				updates["status"] = models.TaskStatusStopped
				details = append(details, "too many consecutive failures, task stopped")
				logger.Warn("task stopped after repeated failures", "user_id", task.UserID)
			}
		}
		if err := tx.UpdateTaskColumns(ctx, task.UserID, updates); err != nil {
			return err
		}
		return tx.AppendLog(ctx, &models.SnapshotLog{
			UserID:     task.UserID,
			SnapshotID: snapshotID,
			Timestamp:  s.now(),
			Succeed:    fetchErr == nil,
			Details:    strings.Join(details, "\n"),
		})
	})
	if err == nil {
		s.Metrics.RecordSchedulerRun(outcome, s.now().Sub(start).Seconds())
	}
	return err
}

// maybeCreateSnapshot records a scheduled snapshot unless the sync data
// is identical to the latest one.
func (s *Scheduler) maybeCreateSnapshot(ctx context.Context, tx *store.GORMStore, userID int64, timestamp time.Time, files models.SyncFiles, details *[]string) (*int64, error) {
	latest, err := tx.LatestSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.SyncFiles.Equal(files) {
		*details = append(*details, "no change since last snapshot")
		return nil, nil
	}
	snap := &models.Snapshot{
		UserID:     userID,
		Timestamp:  timestamp.UTC(),
		SourceKind: models.SourceKindScheduled,
		SyncFiles:  files,
	}
	if err := tx.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	s.Metrics.RecordSnapshot(string(models.SourceKindScheduled))
	logger.Info("scheduled snapshot created", "user_id", userID, "snapshot_id", snap.ID, "files", len(files))
	return &snap.ID, nil
}
