// Package filestore is the per-user content-addressed store for sync
// files. Files are keyed by their lowercase SHA-256 and promoted from a
// staging area with an atomic rename, so the store never needs locks:
// the digest fixes the content and either of two racing renames wins.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/fogsync/fogsync/internal/logger"
)

// Default size caps. Both are plain fields on Store so tests can lower
// them without a gigabyte of fixtures.
const (
	// DefaultStorageLimitPerUser caps the total size of a user's store dir.
	DefaultStorageLimitPerUser = 1 << 30 // 1 GiB

	// DefaultSnapshotSizeLimit caps the cumulative size of a single
	// snapshot's sync files, enforced by the fetch pipeline.
	DefaultSnapshotSizeLimit = 128 << 20 // 128 MiB
)

// ErrQuotaExceeded wraps quota failures so callers can classify them.
var ErrQuotaExceeded = errors.New("out of sync file storage quota")

// Store is rooted at a data directory:
//
//	<root>/users/<uid>/sync_files/<sha256>  permanent files
//	<root>/tmp/<staging>/...                per-request staging dirs
//
// The tmp root is wiped and recreated on startup. Staging and permanent
// paths must live on the same mount so rename is atomic.
type Store struct {
	root string

	// StorageLimitPerUser is the per-user quota in bytes.
	StorageLimitPerUser uint64
}

// New initializes a store at root, clearing any leftover staging state.
func New(root string) (*Store, error) {
	tmp := filepath.Join(root, "tmp")
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("clear tmp dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "users"), 0o755); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	// tmp and users must share a mount or promotion loses atomicity;
	// probe with a real rename and fail fast otherwise
	probe := filepath.Join(tmp, ".mount-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, fmt.Errorf("probe staging dir: %w", err)
	}
	probeDst := filepath.Join(root, "users", ".mount-probe")
	if err := os.Rename(probe, probeDst); err != nil {
		return nil, fmt.Errorf("staging and store dirs must be on the same mount: %w", err)
	}
	if err := os.Remove(probeDst); err != nil {
		return nil, fmt.Errorf("probe staging dir: %w", err)
	}
	return &Store{
		root:                root,
		StorageLimitPerUser: DefaultStorageLimitPerUser,
	}, nil
}

func (s *Store) userPath(uid int64) string {
	return filepath.Join(s.root, "users", strconv.FormatInt(uid, 10), "sync_files")
}

// HasFile reports whether the user already stores content with this digest.
func (s *Store) HasFile(uid int64, sha256Hex string) bool {
	_, err := os.Stat(filepath.Join(s.userPath(uid), sha256Hex))
	return err == nil
}

// OpenFile opens a stored file for reading. The caller must close it.
func (s *Store) OpenFile(uid int64, sha256Hex string) (*os.File, error) {
	return os.Open(filepath.Join(s.userPath(uid), sha256Hex))
}

// StagingDir is a scoped staging directory under <root>/tmp. Release
// removes it on every exit path.
type StagingDir struct {
	path string
}

// Path returns the staging directory path.
func (d *StagingDir) Path() string { return d.path }

// Release deletes the staging directory and everything in it.
func (d *StagingDir) Release() {
	if err := os.RemoveAll(d.path); err != nil {
		logger.Warn("failed to remove staging dir", "path", d.path, "error", err)
	}
}

// NewStagingDir creates a unique staging directory on the store's mount.
func (s *Store) NewStagingDir() (*StagingDir, error) {
	path := filepath.Join(s.root, "tmp", uuid.New().String())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &StagingDir{path: path}, nil
}

// StagedFile names a staged file together with its declared digest. The
// digest is recomputed from the bytes before promotion; declared values
// are never trusted.
type StagedFile struct {
	SHA256 string
	Path   string
}

// AddFiles verifies and promotes staged files into the user's store.
//
// All digests are recomputed first and the per-user quota is checked
// against the current directory size; only then are files renamed into
// place. A digest mismatch or quota failure promotes nothing.
func (s *Store) AddFiles(uid int64, files []StagedFile) error {
	var size uint64
	for _, f := range files {
		actual, n, err := hashFile(f.Path)
		if err != nil {
			return err
		}
		size += n
		if actual != f.SHA256 {
			return fmt.Errorf("provided hash does not match the actual file. file: %s, expected_hash: %s, actual_hash: %s",
				f.Path, f.SHA256, actual)
		}
	}

	userPath := s.userPath(uid)
	if err := os.MkdirAll(userPath, 0o755); err != nil {
		return err
	}
	current, err := dirSize(userPath)
	if err != nil {
		return err
	}
	if size+current > s.StorageLimitPerUser {
		return fmt.Errorf("%w. current: %s, need: %s, limit: %s",
			ErrQuotaExceeded,
			humanize.IBytes(current),
			humanize.IBytes(size),
			humanize.IBytes(s.StorageLimitPerUser))
	}

	for _, f := range files {
		target := filepath.Join(userPath, f.SHA256)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		// same mount point, so this is atomic; a concurrent add of the
		// same digest renaming first is fine
		if err := os.Rename(f.Path, target); err != nil {
			return err
		}
	}
	return nil
}

// UserSize returns the current size of the user's store directory.
func (s *Store) UserSize(uid int64) (uint64, error) {
	size, err := dirSize(s.userPath(uid))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return size, err
}

func hashFile(path string) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}

func dirSize(path string) (uint64, error) {
	var size uint64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += uint64(info.Size())
		return nil
	})
	return size, err
}
