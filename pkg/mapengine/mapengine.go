// Package mapengine reads raw Fog of World sync tiles and writes the
// consolidated archive container. It is the only package that knows the
// byte layout of either format; everything above it works on bitmaps.
package mapengine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/archive"
	"github.com/fogsync/fogsync/pkg/syncfile"
)

const (
	// A tile is a 128x128 grid of blocks. The decompressed tile starts
	// with one little-endian uint16 per grid cell: 0 for an absent
	// block, otherwise the 1-based index of the block's payload.
	tileWidth     = 128
	tileHeaderLen = tileWidth * tileWidth

	// Each block payload is the 512-byte coverage bitmap followed by
	// 3 bytes of per-block data we do not interpret.
	blockExtraSize = 3
	blockDataSize  = archive.BlockSize + blockExtraSize
)

// Engine is the production map engine.
type Engine struct{}

// New returns an Engine.
func New() *Engine {
	return &Engine{}
}

// LoadCoverage opens a sync-folder ZIP and unions the coverage of every
// tile file in it. Entries whose names do not decode as tile files are
// skipped; a tile that decodes but fails to parse fails the whole load.
func (e *Engine) LoadCoverage(ctx context.Context, zipPath string) (*archive.Bitmap, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening sync archive: %w", err)
	}
	defer r.Close()

	bm := archive.NewBitmap()
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		sf, err := syncfile.Parse(path.Base(f.Name), "")
		if err != nil {
			logger.Debug("skipping non-tile archive entry", "name", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		err = loadTile(bm, sf.ID, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("tile %d (%s): %w", sf.ID, f.Name, err)
		}
	}
	return bm, nil
}

// loadTile decompresses one tile stream and copies its blocks into bm.
func loadTile(bm *archive.Bitmap, tileID uint32, r io.Reader) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return fmt.Errorf("bad zlib stream: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	if len(data) < tileHeaderLen*2 {
		return fmt.Errorf("tile data truncated: %d bytes", len(data))
	}

	for i := 0; i < tileHeaderLen; i++ {
		idx := binary.LittleEndian.Uint16(data[i*2:])
		if idx == 0 {
			continue
		}
		off := tileHeaderLen*2 + int(idx-1)*blockDataSize
		if off+archive.BlockSize > len(data) {
			return fmt.Errorf("block %d out of range", i)
		}
		var block archive.Block
		copy(block[:], data[off:off+archive.BlockSize])
		bm.SetBlock(tileID, uint16(i), &block)
	}
	return nil
}

// archiveJourneyMeta is one entry of the container's metadata document.
type archiveJourneyMeta struct {
	Date    string  `json:"date"`
	EndTime string  `json:"end_time"`
	Note    *string `json:"note,omitempty"`
}

// encodeBitmap serializes a bitmap deterministically: tiles ascending,
// blocks ascending, each block as key + raw bitmap bytes.
func encodeBitmap(bm *archive.Bitmap) []byte {
	tileIDs := make([]uint32, 0, len(bm.Tiles))
	for id := range bm.Tiles {
		tileIDs = append(tileIDs, id)
	}
	sort.Slice(tileIDs, func(i, j int) bool { return tileIDs[i] < tileIDs[j] })

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(tileIDs)))
	for _, tileID := range tileIDs {
		tile := bm.Tiles[tileID]
		keys := make([]uint16, 0, len(tile))
		for k := range tile {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		binary.Write(&buf, binary.LittleEndian, tileID)
		binary.Write(&buf, binary.LittleEndian, uint32(len(keys)))
		for _, k := range keys {
			binary.Write(&buf, binary.LittleEndian, k)
			buf.Write(tile[k][:])
		}
	}
	return buf.Bytes()
}
