package archive

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogsync/fogsync/pkg/models"
)

// fakeBuilder writes the file set as a deterministic token list instead
// of a real ZIP; fakeEngine understands the same format.
type fakeBuilder struct{}

func (fakeBuilder) WriteSyncZip(_ context.Context, w io.Writer, _ int64, files models.SyncFiles) error {
	keys := make([]uint32, 0, len(files))
	for id := range files {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	enc := json.NewEncoder(w)
	type entry struct {
		ID  uint32
		SHA string
	}
	out := make([]entry, 0, len(keys))
	for _, id := range keys {
		out = append(out, entry{ID: id, SHA: files[id]})
	}
	return enc.Encode(out)
}

// fakeEngine maps every file id to a fixed bitmap and unions them.
type fakeEngine struct {
	coverage map[uint32]*Bitmap
	written  []Journey
}

func (e *fakeEngine) LoadCoverage(_ context.Context, zipPath string) (*Bitmap, error) {
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID  uint32
		SHA string
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	bm := NewBitmap()
	for _, ent := range entries {
		if cov, ok := e.coverage[ent.ID]; ok {
			bm.Merge(cov)
		}
	}
	return bm, nil
}

func (e *fakeEngine) WriteArchive(_ context.Context, journeys []Journey, w io.Writer) error {
	e.written = journeys
	_, err := io.WriteString(w, "archive")
	return err
}

// fakeSource serves a fixed snapshot list.
type fakeSource struct{ snapshots []models.Snapshot }

func (s *fakeSource) ListAllSnapshotsAsc(context.Context, int64) ([]models.Snapshot, error) {
	return s.snapshots, nil
}

// wideBitmap returns a bitmap with enough blocks to clear the noise
// threshold, all on the given tile.
func wideBitmap(tileID uint32, blocks int) *Bitmap {
	bm := NewBitmap()
	for i := 0; i < blocks; i++ {
		bm.SetBlock(tileID, uint16(i), blockWithBytes(0xff))
	}
	return bm
}

func newTestExporter(t *testing.T, snapshots []models.Snapshot, coverage map[uint32]*Bitmap) (*Exporter, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{coverage: coverage}
	return &Exporter{
		Source:  &fakeSource{snapshots: snapshots},
		Builder: fakeBuilder{},
		Engine:  engine,
		TempDir: t.TempDir(),
	}, engine
}

func TestExportEmptyHistory(t *testing.T) {
	exp, engine := newTestExporter(t, nil, nil)
	var buf strings.Builder
	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, &buf))
	assert.Empty(t, engine.written)
	assert.Equal(t, "archive", buf.String())
}

func TestExportSingleSnapshot(t *testing.T) {
	ts := time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC) // 3am UTC
	note := "first"
	exp, engine := newTestExporter(t,
		[]models.Snapshot{{ID: 1, UserID: 1, Timestamp: ts, Note: &note, SyncFiles: models.SyncFiles{10: "aa"}}},
		map[uint32]*Bitmap{10: wideBitmap(10, 8)},
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	require.Len(t, engine.written, 1)
	j := engine.written[0]
	// 3am minus the 6h day-start offset lands on the previous day
	assert.Equal(t, "2024-05-01", j.Date)
	assert.True(t, j.EndTime.Equal(ts))
	require.NotNil(t, j.Note)
	assert.Equal(t, "first", *j.Note)
	assert.Equal(t, 8, j.Bitmap.BlockCount())
}

func TestExportDiffsConsecutiveSnapshots(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	coverage := map[uint32]*Bitmap{
		10: wideBitmap(10, 8),
		20: wideBitmap(20, 8),
	}
	exp, engine := newTestExporter(t,
		[]models.Snapshot{
			{ID: 1, UserID: 1, Timestamp: base, SyncFiles: models.SyncFiles{10: "aa"}},
			// second snapshot re-uploads file 10 unchanged and adds 20
			{ID: 2, UserID: 1, Timestamp: base.Add(24 * time.Hour), SyncFiles: models.SyncFiles{10: "aa", 20: "bb"}},
		},
		coverage,
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	require.Len(t, engine.written, 2)
	// journey 2 must only contain what file 20 added
	assert.Equal(t, 8, engine.written[1].Bitmap.BlockCount())
	_, hasTile10 := engine.written[1].Bitmap.Tiles[10]
	assert.False(t, hasTile10)
	_, hasTile20 := engine.written[1].Bitmap.Tiles[20]
	assert.True(t, hasTile20)
}

func TestExportUnchangedSnapshotIsSkipped(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp, engine := newTestExporter(t,
		[]models.Snapshot{
			{ID: 1, UserID: 1, Timestamp: base, SyncFiles: models.SyncFiles{10: "aa"}},
			{ID: 2, UserID: 1, Timestamp: base.Add(time.Hour), SyncFiles: models.SyncFiles{10: "aa"}},
		},
		map[uint32]*Bitmap{10: wideBitmap(10, 8)},
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	assert.Len(t, engine.written, 1)
}

func TestExportErasedCoverageNeverAppears(t *testing.T) {
	// File 10 is present early but gone from the final snapshot; its
	// bits must not leak into any journey.
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp, engine := newTestExporter(t,
		[]models.Snapshot{
			{ID: 1, UserID: 1, Timestamp: base, SyncFiles: models.SyncFiles{10: "aa", 20: "bb"}},
			{ID: 2, UserID: 1, Timestamp: base.Add(24 * time.Hour), SyncFiles: models.SyncFiles{20: "bb"}},
		},
		map[uint32]*Bitmap{
			10: wideBitmap(10, 8),
			20: wideBitmap(20, 8),
		},
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	require.Len(t, engine.written, 1)
	_, hasTile10 := engine.written[0].Bitmap.Tiles[10]
	assert.False(t, hasTile10)
	_, hasTile20 := engine.written[0].Bitmap.Tiles[20]
	assert.True(t, hasTile20)
}

func TestExportDropsTinyJourneys(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp, engine := newTestExporter(t,
		[]models.Snapshot{
			{ID: 1, UserID: 1, Timestamp: base, SyncFiles: models.SyncFiles{10: "aa"}},
			// adds only a 4-block sliver, below the noise threshold
			{ID: 2, UserID: 1, Timestamp: base.Add(24 * time.Hour), SyncFiles: models.SyncFiles{10: "aa", 30: "cc"}},
		},
		map[uint32]*Bitmap{
			10: wideBitmap(10, 8),
			30: wideBitmap(30, 4),
		},
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	assert.Len(t, engine.written, 1)
}

func TestExportDroppedSnapshotCoverageReachesNextJourney(t *testing.T) {
	// Snapshot 2 adds only a below-threshold sliver and is dropped.
	// Its coverage must still show up in journey 2, which diffs against
	// snapshot 1, not against the dropped snapshot.
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp, engine := newTestExporter(t,
		[]models.Snapshot{
			{ID: 1, UserID: 1, Timestamp: base, SyncFiles: models.SyncFiles{10: "aa"}},
			{ID: 2, UserID: 1, Timestamp: base.Add(24 * time.Hour), SyncFiles: models.SyncFiles{10: "aa", 30: "cc"}},
			{ID: 3, UserID: 1, Timestamp: base.Add(48 * time.Hour), SyncFiles: models.SyncFiles{10: "aa", 30: "cc", 40: "dd"}},
		},
		map[uint32]*Bitmap{
			10: wideBitmap(10, 8),
			30: wideBitmap(30, 4),
			40: wideBitmap(40, 8),
		},
	)

	require.NoError(t, exp.Export(context.Background(), 1, time.UTC, io.Discard))
	require.Len(t, engine.written, 2)
	_, hasTile30 := engine.written[1].Bitmap.Tiles[30]
	assert.True(t, hasTile30)
	_, hasTile40 := engine.written[1].Bitmap.Tiles[40]
	assert.True(t, hasTile40)

	// the union of all journeys must equal the final coverage
	union := NewBitmap()
	for _, j := range engine.written {
		union.Merge(j.Bitmap)
	}
	final := NewBitmap()
	final.Merge(wideBitmap(10, 8))
	final.Merge(wideBitmap(30, 4))
	final.Merge(wideBitmap(40, 8))
	assert.Equal(t, final.BlockCount(), union.BlockCount())
	for tileID := range final.Tiles {
		_, ok := union.Tiles[tileID]
		assert.True(t, ok, "tile %d missing from exported journeys", tileID)
	}
}
