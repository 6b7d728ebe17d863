// Package fetcher pulls a user's Fog of World sync folder from a
// OneDrive share link and lands the tile files in the file store. It
// talks to the anonymous shares API, so no OneDrive credentials are
// ever needed or stored.
package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/filestore"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/syncfile"
)

// DefaultAPIBase is the anonymous OneDrive shares API.
const DefaultAPIBase = "https://api.onedrive.com/v1.0"

const (
	rootFolderName = "Fog of World"
	syncFolderName = "Sync"

	// The app drops this marker file while it is writing the sync
	// folder. A marker older than the window is treated as stale.
	lockFileName = "FoW-Sync-Lock"
	lockWindow   = 15 * time.Minute

	// A locked folder is retried this many times before giving up.
	lockAttempts      = 3
	defaultLockRetry  = 2 * time.Minute
	downloadChunkName = "driveItem"
)

// Classified fetch failures. Everything else is an internal error.
var (
	ErrInvalidShare           = errors.New("invalid share link")
	ErrInvalidFolderStructure = errors.New("invalid folder structure")
	ErrSnapshotTooLarge       = errors.New("sync data exceeds the snapshot size limit")
	ErrLocked                 = errors.New("sync folder is locked")
)

// Result is a completed fetch: the full id-to-digest map of the sync
// folder plus human-readable log lines for the snapshot log.
type Result struct {
	Files models.SyncFiles
	Logs  []string

	// Timestamp is taken when the successful attempt started listing
	// the sync folder; the snapshot is dated with it.
	Timestamp time.Time
}

// Fetcher fetches one share. Construct with New per task run.
type Fetcher struct {
	shareURL          string
	apiBase           string
	client            *http.Client
	files             *filestore.Store
	snapshotSizeLimit uint64
	lockRetry         time.Duration
	now               func() time.Time
}

// Option tweaks a Fetcher; used by tests to point at a stub server and
// shrink the retry delay.
type Option func(*Fetcher)

// WithAPIBase overrides the OneDrive API endpoint.
func WithAPIBase(base string) Option {
	return func(f *Fetcher) { f.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLockRetry overrides the wait between lock retries.
func WithLockRetry(d time.Duration) Option {
	return func(f *Fetcher) { f.lockRetry = d }
}

// WithClock overrides the clock used for lock-window checks.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithSnapshotSizeLimit overrides the cumulative size cap.
func WithSnapshotSizeLimit(limit uint64) Option {
	return func(f *Fetcher) { f.snapshotSizeLimit = limit }
}

// New builds a fetcher for one share URL.
func New(shareURL string, files *filestore.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		shareURL:          shareURL,
		apiBase:           DefaultAPIBase,
		client:            &http.Client{Timeout: 60 * time.Second},
		files:             files,
		snapshotSizeLimit: filestore.DefaultSnapshotSizeLimit,
		lockRetry:         defaultLockRetry,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// shareID encodes a share URL the way the shares API wants it:
// "u!" + unpadded base64url of the link.
func shareID(shareURL string) string {
	return "u!" + base64.RawURLEncoding.EncodeToString([]byte(shareURL))
}

func (f *Fetcher) itemURL(suffix string) string {
	return f.apiBase + "/shares/" + shareID(f.shareURL) + "/" + downloadChunkName + suffix
}

type driveItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	DownloadURL  string    `json:"@microsoft.graph.downloadUrl"`
	File         *struct {
		Hashes struct {
			SHA256 string `json:"sha256Hash"`
		} `json:"hashes"`
	} `json:"file"`
	Folder   *struct{}   `json:"folder"`
	Children []driveItem `json:"children"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func (f *Fetcher) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("onedrive request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: onedrive returned %d", ErrInvalidShare, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("onedrive returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// root fetches the shared folder with its immediate children.
func (f *Fetcher) root(ctx context.Context) (*driveItem, error) {
	var item driveItem
	if err := f.getJSON(ctx, f.itemURL("?$expand=children"), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Validate checks that the share resolves and points at a Fog of World
// backup folder with a Sync subfolder. Used when a task is created or
// its source changes.
func (f *Fetcher) Validate(ctx context.Context) error {
	root, err := f.root(ctx)
	if err != nil {
		return err
	}
	return checkStructure(root)
}

func checkStructure(root *driveItem) error {
	if root.Name != rootFolderName || root.Folder == nil {
		return fmt.Errorf("%w: shared folder is %q, want %q", ErrInvalidFolderStructure, root.Name, rootFolderName)
	}
	for _, child := range root.Children {
		if child.Name == syncFolderName && child.Folder != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no %s subfolder", ErrInvalidFolderStructure, syncFolderName)
}

// listSyncFolder pages through the Sync folder's children.
func (f *Fetcher) listSyncFolder(ctx context.Context) ([]driveItem, error) {
	var items []driveItem
	url := f.itemURL(":/" + syncFolderName + ":/children")
	for url != "" {
		var page childrenPage
		if err := f.getJSON(ctx, url, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Value...)
		url = page.NextLink
	}
	return items, nil
}

// fetchOnce runs a single fetch pass for the user.
func (f *Fetcher) fetchOnce(ctx context.Context, uid int64) (*Result, error) {
	root, err := f.root(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkStructure(root); err != nil {
		return nil, err
	}
	attemptTime := f.now()

	items, err := f.listSyncFolder(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Files: make(models.SyncFiles), Timestamp: attemptTime}
	var totalSize uint64
	var toDownload []syncEntry
	for _, item := range items {
		// the app drops its lock marker in the sync folder while
		// writing; a fresh one means a sync is in flight. A stale one
		// falls through and is logged like any other unexpected file.
		if item.Name == lockFileName && attemptTime.Sub(item.LastModified) < lockWindow {
			return nil, ErrLocked
		}
		if item.Folder != nil {
			result.Logs = append(result.Logs, fmt.Sprintf("unexpected folder: %s", item.Name))
			continue
		}
		if item.File == nil || item.File.Hashes.SHA256 == "" {
			return nil, fmt.Errorf("%w: %s has no sha256", ErrInvalidFolderStructure, item.Name)
		}
		sha := strings.ToLower(item.File.Hashes.SHA256)
		sf, err := syncfile.Parse(item.Name, sha)
		if err != nil {
			result.Logs = append(result.Logs, fmt.Sprintf("unexpected file: %s", item.Name))
			continue
		}
		totalSize += uint64(item.Size)
		if totalSize > f.snapshotSizeLimit {
			return nil, ErrSnapshotTooLarge
		}
		result.Files[sf.ID] = sf.SHA256
		if !f.files.HasFile(uid, sf.SHA256) {
			toDownload = append(toDownload, syncEntry{file: sf, item: item})
		}
	}

	result.Logs = append(result.Logs,
		fmt.Sprintf("new files: %d/%d", len(toDownload), len(result.Files)))
	logger.Info("fetched sync folder listing",
		"user_id", uid, "files", len(result.Files), "new", len(toDownload))

	if len(toDownload) == 0 {
		return result, nil
	}

	staging, err := f.files.NewStagingDir()
	if err != nil {
		return nil, err
	}
	defer staging.Release()

	staged := make([]filestore.StagedFile, 0, len(toDownload))
	for _, e := range toDownload {
		path := filepath.Join(staging.Path(), strconv.FormatUint(uint64(e.file.ID), 10))
		if err := f.downloadTo(ctx, e.item, path); err != nil {
			return nil, fmt.Errorf("downloading %s: %w", e.item.Name, err)
		}
		staged = append(staged, filestore.StagedFile{SHA256: e.file.SHA256, Path: path})
	}
	if err := f.files.AddFiles(uid, staged); err != nil {
		return nil, err
	}
	return result, nil
}

type syncEntry struct {
	file syncfile.SyncFile
	item driveItem
}

// downloadTo streams one drive item to a staging path.
func (f *Fetcher) downloadTo(ctx context.Context, item driveItem, path string) error {
	url := item.DownloadURL
	if url == "" {
		url = f.itemURL(":/" + syncFolderName + "/" + item.Name + ":/content")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Fetch runs a fetch with lock retries: a locked sync folder is retried
// a few times with a pause in between, then given up on.
func (f *Fetcher) Fetch(ctx context.Context, uid int64) (*Result, error) {
	var logs []string
	for attempt := 1; ; attempt++ {
		result, err := f.fetchOnce(ctx, uid)
		if err == nil {
			result.Logs = append(logs, result.Logs...)
			return result, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		if attempt >= lockAttempts {
			return &Result{Logs: append(logs, "Still locked, failed to sync.")}, ErrLocked
		}
		logs = append(logs, fmt.Sprintf("sync folder is locked, waiting %s before retry %d", f.lockRetry, attempt+1))
		logger.Info("sync folder locked, will retry", "user_id", uid, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.lockRetry):
		}
	}
}
