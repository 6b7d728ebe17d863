// Package archive turns a user's snapshot history into a consolidated
// map-data archive. Consecutive snapshots are diffed at the sync-file
// level, each delta is rendered to a coverage bitmap by the map engine,
// and the reduced bitmaps become one journey per snapshot.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/models"
)

// Journeys made of this many blocks or fewer are treated as noise left
// over from bitmap reduction and dropped.
const minJourneyBlocks = 4

// A new day starts at 6am local time, not midnight, so late-night
// activity lands on the previous day's journey.
const dayStartOffset = 6 * time.Hour

// Journey is one entry of the exported archive.
type Journey struct {
	Date    string // "2006-01-02" in the requested timezone
	EndTime time.Time
	Note    *string
	Bitmap  *Bitmap
}

// Engine renders raw sync-file archives into coverage bitmaps and
// serializes the final journey list.
type Engine interface {
	LoadCoverage(ctx context.Context, zipPath string) (*Bitmap, error)
	WriteArchive(ctx context.Context, journeys []Journey, w io.Writer) error
}

// SnapshotSource lists a user's snapshots oldest first.
type SnapshotSource interface {
	ListAllSnapshotsAsc(ctx context.Context, userID int64) ([]models.Snapshot, error)
}

// ZipBuilder writes a subset of a user's sync files as a ZIP archive in
// the on-device layout.
type ZipBuilder interface {
	WriteSyncZip(ctx context.Context, w io.Writer, userID int64, files models.SyncFiles) error
}

// Exporter walks a user's snapshots and produces the archive.
type Exporter struct {
	Source  SnapshotSource
	Builder ZipBuilder
	Engine  Engine
	TempDir string
}

// Export writes the consolidated archive for a user to w. An empty
// snapshot history produces a valid archive with zero journeys.
func (e *Exporter) Export(ctx context.Context, userID int64, tz *time.Location, w io.Writer) error {
	snapshots, err := e.Source.ListAllSnapshotsAsc(ctx, userID)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return e.Engine.WriteArchive(ctx, nil, w)
	}

	workDir, err := os.MkdirTemp(e.TempDir, "archive-export-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	// The final snapshot bounds everything: bits absent from it have
	// been erased by the app and must not appear in any journey.
	finalBitmap, err := e.coverageOf(ctx, workDir, userID, snapshots[len(snapshots)-1].SyncFiles)
	if err != nil {
		return fmt.Errorf("rendering final snapshot: %w", err)
	}

	var (
		journeys   []Journey
		prevFiles  models.SyncFiles
		prevBitmap *Bitmap
	)
	for i := range snapshots {
		snap := &snapshots[i]
		delta := changedFiles(prevFiles, snap.SyncFiles)
		if len(delta) == 0 {
			continue
		}

		full, err := e.coverageOf(ctx, workDir, userID, delta)
		if err != nil {
			return fmt.Errorf("rendering snapshot %d: %w", snap.ID, err)
		}

		bm := full.Clone()
		if prevBitmap != nil {
			bm.Difference(prevBitmap)
			bm.Intersect(full)
		}
		bm.Intersect(finalBitmap)

		if bm.IsEmpty() || bm.BlockCount() <= minJourneyBlocks {
			// a dropped snapshot must not become the diff baseline, or
			// its coverage would never reach a later journey
			continue
		}
		prevFiles = snap.SyncFiles
		prevBitmap = full

		journeys = append(journeys, Journey{
			Date:    snap.Timestamp.Add(-dayStartOffset).In(tz).Format("2006-01-02"),
			EndTime: snap.Timestamp,
			Note:    snap.Note,
			Bitmap:  bm,
		})
	}

	logger.Info("exporting archive",
		"user_id", userID,
		"snapshots", len(snapshots),
		"journeys", len(journeys))
	return e.Engine.WriteArchive(ctx, journeys, w)
}

// coverageOf writes the given sync files to a scratch ZIP and has the
// map engine render it.
func (e *Exporter) coverageOf(ctx context.Context, workDir string, userID int64, files models.SyncFiles) (*Bitmap, error) {
	zipPath := filepath.Join(workDir, uuid.NewString()+".zip")
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, err
	}
	if err := e.Builder.WriteSyncZip(ctx, f, userID, files); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	defer os.Remove(zipPath)
	return e.Engine.LoadCoverage(ctx, zipPath)
}

// changedFiles returns the entries of cur that are new or whose content
// hash differs from prev.
func changedFiles(prev, cur models.SyncFiles) models.SyncFiles {
	delta := make(models.SyncFiles)
	for id, sha := range cur {
		if prev[id] != sha {
			delta[id] = sha
		}
	}
	return delta
}
