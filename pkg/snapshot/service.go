// Package snapshot implements the snapshot operations behind the API:
// listing, manual upload, note editing, deletion, and rebuilding a
// snapshot back into the on-device sync folder layout.
package snapshot

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/filestore"
	"github.com/fogsync/fogsync/pkg/metrics"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/store"
	"github.com/fogsync/fogsync/pkg/syncfile"
)

// Validation failures surfaced to the API with their own error codes.
var (
	ErrTimestampInFuture = errors.New("snapshot timestamp is in the future")
	ErrNoteTooLong       = errors.New("note is too long")
	ErrSnapshotEmpty     = errors.New("uploaded archive contains no sync files")
)

// Timestamps may drift a little ahead of server time before they count
// as "in the future".
const timestampSlack = 10 * time.Second

// Service wires the snapshot store to the file store.
type Service struct {
	Store *store.GORMStore
	Files *filestore.Store

	// Metrics is optional; a nil value disables recording.
	Metrics *metrics.Metrics

	now func() time.Time
}

// NewService builds a Service.
func NewService(st *store.GORMStore, files *filestore.Store) *Service {
	return &Service{Store: st, Files: files, now: time.Now}
}

// View is a snapshot plus its neighbors, for the timeline editor.
type View struct {
	Snapshot *models.Snapshot
	PrevID   *int64
	NextID   *int64
}

// Get returns a snapshot with the ids of its timeline neighbors.
func (s *Service) Get(ctx context.Context, userID, snapshotID int64) (*View, error) {
	snap, err := s.Store.GetSnapshot(ctx, userID, snapshotID)
	if err != nil {
		return nil, err
	}
	view := &View{Snapshot: snap}
	prev, err := s.Store.PrevSnapshot(ctx, userID, snap.ID, snap)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		view.PrevID = &prev.ID
	}
	next, err := s.Store.NextSnapshot(ctx, userID, snap.ID, snap)
	if err != nil {
		return nil, err
	}
	if next != nil {
		view.NextID = &next.ID
	}
	return view, nil
}

// List returns one page of snapshots, newest first, with the total.
func (s *Service) List(ctx context.Context, userID int64, page, pageSize int) ([]models.Snapshot, int64, error) {
	return s.Store.ListSnapshots(ctx, userID, page, pageSize)
}

// ValidateNote rejects notes over the length cap.
func ValidateNote(note *string) error {
	if note != nil && len(*note) > models.MaxNoteLength {
		return ErrNoteTooLong
	}
	return nil
}

// UpdateNote replaces a snapshot's note under a row lock.
func (s *Service) UpdateNote(ctx context.Context, userID, snapshotID int64, note *string) error {
	if err := ValidateNote(note); err != nil {
		return err
	}
	return s.Store.WithTx(ctx, func(tx *store.GORMStore) error {
		snap, err := tx.GetSnapshotForUpdate(ctx, userID, snapshotID)
		if err != nil {
			return err
		}
		return tx.UpdateSnapshotNote(ctx, snap, note)
	})
}

// Delete removes a snapshot under a row lock. Sync files stay in the
// store; they may back other snapshots.
func (s *Service) Delete(ctx context.Context, userID, snapshotID int64) error {
	return s.Store.WithTx(ctx, func(tx *store.GORMStore) error {
		snap, err := tx.GetSnapshotForUpdate(ctx, userID, snapshotID)
		if err != nil {
			return err
		}
		return tx.DeleteSnapshot(ctx, snap)
	})
}

// CreateFromUpload ingests a user-uploaded ZIP of their sync folder and
// records it as an upload-sourced snapshot. Entries whose names do not
// decode as sync files (folders, app metadata, .DS_Store and friends)
// are ignored; an archive with no sync files at all is rejected. The
// returned log lines go into the API response.
func (s *Service) CreateFromUpload(ctx context.Context, userID int64, timestamp time.Time, note *string, archive *zip.Reader) (*models.Snapshot, []string, error) {
	if timestamp.After(s.now().Add(timestampSlack)) {
		return nil, nil, ErrTimestampInFuture
	}
	if err := ValidateNote(note); err != nil {
		return nil, nil, err
	}

	staging, err := s.Files.NewStagingDir()
	if err != nil {
		return nil, nil, err
	}
	defer staging.Release()

	// when the archive carries a Sync directory, only its contents
	// count; flat archives are taken as-is
	scoped := false
	for _, f := range archive.File {
		if !f.FileInfo().IsDir() && underSyncDir(f.Name) {
			scoped = true
			break
		}
	}

	files := make(models.SyncFiles)
	var staged []filestore.StagedFile
	var logs []string
	for _, f := range archive.File {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if scoped && !underSyncDir(f.Name) {
			continue
		}
		name := path.Base(f.Name)
		id, sha, err := s.stageEntry(staging, f, name)
		if errors.Is(err, syncfile.ErrInvalidFilename) {
			logs = append(logs, fmt.Sprintf("unexpected file: %s", name))
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		files[id] = sha
		if !s.Files.HasFile(userID, sha) {
			staged = append(staged, filestore.StagedFile{
				SHA256: sha,
				Path:   filepath.Join(staging.Path(), strconv.FormatUint(uint64(id), 10)),
			})
		}
	}
	if len(files) == 0 {
		return nil, nil, ErrSnapshotEmpty
	}
	if err := s.Files.AddFiles(userID, staged); err != nil {
		return nil, nil, err
	}
	logs = append(logs, fmt.Sprintf("new files: %d/%d", len(staged), len(files)))

	snap := &models.Snapshot{
		UserID:     userID,
		Timestamp:  timestamp.UTC(),
		SourceKind: models.SourceKindUpload,
		Note:       note,
		SyncFiles:  files,
	}
	if err := s.Store.CreateSnapshot(ctx, snap); err != nil {
		return nil, nil, err
	}
	s.Metrics.RecordSnapshot(string(models.SourceKindUpload))
	logger.Info("snapshot created from upload",
		"user_id", userID, "snapshot_id", snap.ID,
		"files", len(files), "new_files", len(staged))
	return snap, logs, nil
}

// underSyncDir reports whether a ZIP entry path has a Sync directory
// component.
func underSyncDir(name string) bool {
	for _, seg := range strings.Split(path.Dir(name), "/") {
		if strings.EqualFold(seg, "Sync") {
			return true
		}
	}
	return false
}

// stageEntry streams one archive entry to the staging dir, hashing as
// it copies. The staged file is named by the decoded tile id.
func (s *Service) stageEntry(staging *filestore.StagingDir, f *zip.File, name string) (uint32, string, error) {
	// cheap pre-check before touching the entry's bytes
	sf, err := syncfile.Parse(name, "")
	if err != nil {
		return 0, "", err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()

	out, err := os.Create(filepath.Join(staging.Path(), strconv.FormatUint(uint64(sf.ID), 10)))
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), rc); err != nil {
		out.Close()
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	return sf.ID, hex.EncodeToString(h.Sum(nil)), nil
}

// WriteSyncZip writes the given sync files as a ZIP in the on-device
// layout, Sync/<obfuscated name> per file. Tile payloads are already
// compressed, so entries are stored rather than deflated.
func (s *Service) WriteSyncZip(ctx context.Context, w io.Writer, userID int64, files models.SyncFiles) error {
	zw := zip.NewWriter(w)
	for id, sha := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := s.Files.OpenFile(userID, sha)
		if err != nil {
			return fmt.Errorf("sync file %d (%s): %w", id, sha, err)
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   "Sync/" + syncfile.Filename(id),
			Method: zip.Store,
		})
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(entry, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}
