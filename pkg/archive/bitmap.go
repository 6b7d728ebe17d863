package archive

// BlockSize is the number of bytes in one coverage block bitmap.
// A block covers a 64x64 cell sub-grid of a tile at one bit per cell,
// stored row-major, so 64*64/8 bytes.
const BlockSize = 64 * 64 / 8

// Block is the bit-level coverage of one block within a tile.
type Block [BlockSize]byte

// IsEmpty reports whether no bit is set.
func (b *Block) IsEmpty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Tile holds the non-empty blocks of one map tile, keyed by the block's
// position inside the tile.
type Tile map[uint16]*Block

// Bitmap is the full coverage of one journey or snapshot: non-empty
// tiles keyed by tile id.
type Bitmap struct {
	Tiles map[uint32]Tile
}

// NewBitmap returns an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{Tiles: make(map[uint32]Tile)}
}

// SetBlock copies a block's bits into the bitmap, merging with any bits
// already present at the same position.
func (bm *Bitmap) SetBlock(tileID uint32, blockKey uint16, data *Block) {
	if data.IsEmpty() {
		return
	}
	tile, ok := bm.Tiles[tileID]
	if !ok {
		tile = make(Tile)
		bm.Tiles[tileID] = tile
	}
	block, ok := tile[blockKey]
	if !ok {
		block = &Block{}
		tile[blockKey] = block
	}
	for i := range block {
		block[i] |= data[i]
	}
}

// Merge folds another bitmap into this one.
func (bm *Bitmap) Merge(other *Bitmap) {
	for tileID, tile := range other.Tiles {
		for blockKey, block := range tile {
			bm.SetBlock(tileID, blockKey, block)
		}
	}
}

// Clone returns a deep copy.
func (bm *Bitmap) Clone() *Bitmap {
	out := NewBitmap()
	out.Merge(bm)
	return out
}

// Difference clears every bit that is set in other. Blocks and tiles
// that end up empty are dropped.
func (bm *Bitmap) Difference(other *Bitmap) {
	for tileID, tile := range bm.Tiles {
		otherTile, ok := other.Tiles[tileID]
		if !ok {
			continue
		}
		for blockKey, block := range tile {
			otherBlock, ok := otherTile[blockKey]
			if !ok {
				continue
			}
			for i := range block {
				block[i] &^= otherBlock[i]
			}
			if block.IsEmpty() {
				delete(tile, blockKey)
			}
		}
		if len(tile) == 0 {
			delete(bm.Tiles, tileID)
		}
	}
}

// Intersect clears every bit that is not set in other.
func (bm *Bitmap) Intersect(other *Bitmap) {
	for tileID, tile := range bm.Tiles {
		otherTile := other.Tiles[tileID]
		for blockKey, block := range tile {
			otherBlock, ok := otherTile[blockKey]
			if !ok {
				delete(tile, blockKey)
				continue
			}
			for i := range block {
				block[i] &= otherBlock[i]
			}
			if block.IsEmpty() {
				delete(tile, blockKey)
			}
		}
		if len(tile) == 0 {
			delete(bm.Tiles, tileID)
		}
	}
}

// BlockCount returns the number of non-empty blocks across all tiles.
func (bm *Bitmap) BlockCount() int {
	n := 0
	for _, tile := range bm.Tiles {
		n += len(tile)
	}
	return n
}

// IsEmpty reports whether the bitmap holds no blocks at all.
func (bm *Bitmap) IsEmpty() bool {
	return len(bm.Tiles) == 0
}
