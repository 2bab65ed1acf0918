// Package texture manages the bounded pool of texture slots tiles are packed into.
package texture

import (
	"fmt"
	"time"

	"github.com/skyatlas/hipsview/internal/healpix"
)

// Texture is one slot of the texture array. It aggregates the 4^delta tiles
// lying delta levels below its cell.
type Texture struct {
	cell  healpix.Cell
	uniq  uint64
	delta uint8
	idx   int

	// tiles maps appended tiles to the time their pixels were written;
	// the zero time means the upload is still pending.
	tiles           map[healpix.Cell]time.Time
	startTime       time.Time
	timeRequest     time.Time
	full            bool
	numTilesWritten int
	missing         bool

	visible   bool
	base      bool
	heapIndex int
}

// NewTexture returns an empty texture for cell stored in slot idx.
func NewTexture(cell healpix.Cell, delta uint8, idx int, timeRequest time.Time) *Texture {
	t := &Texture{delta: delta, idx: idx, heapIndex: -1}
	t.Replace(cell, timeRequest)
	return t
}

// Replace re-targets the slot to another cell and forgets everything it held.
func (t *Texture) Replace(cell healpix.Cell, timeRequest time.Time) {
	t.cell = cell
	t.uniq = cell.Uniq()
	t.tiles = make(map[healpix.Cell]time.Time, t.TilesPerTexture())
	t.startTime = time.Time{}
	t.timeRequest = timeRequest
	t.full = false
	t.numTilesWritten = 0
	t.missing = false
	t.visible = false
}

// Append registers tile in the texture. It panics when the tile does not lie
// delta levels below the texture cell or when the texture is already full.
func (t *Texture) Append(tile healpix.Cell, now time.Time) {
	if t.full {
		panic(fmt.Sprintf("texture %v: append %v to a full texture", t.cell, tile))
	}
	if tile.Depth != t.cell.Depth+t.delta || !tile.IsDescendantOf(t.cell) {
		panic(fmt.Sprintf("texture %v: tile %v is not one of its depth+%d descendants", t.cell, tile, t.delta))
	}
	if _, ok := t.tiles[tile]; ok {
		return
	}
	t.tiles[tile] = time.Time{}
	if len(t.tiles) == t.TilesPerTexture() {
		t.full = true
		if t.startTime.IsZero() {
			t.startTime = now
		}
	}
}

// markWritten records that the pixels of tile reached the texture array.
func (t *Texture) markWritten(tile healpix.Cell, now time.Time) {
	if at, ok := t.tiles[tile]; ok && at.IsZero() {
		t.tiles[tile] = now
		t.numTilesWritten++
	}
}

func (t *Texture) Contains(tile healpix.Cell) bool {
	_, ok := t.tiles[tile]
	return ok
}

// Written reports whether the pixels of tile are in the slot and since when.
func (t *Texture) Written(tile healpix.Cell) (time.Time, bool) {
	at, ok := t.tiles[tile]
	return at, ok && !at.IsZero()
}

func (t *Texture) IsFull() bool { return t.full }

// StartTime is the time the texture became full.
func (t *Texture) StartTime() (time.Time, bool) {
	return t.startTime, t.full
}

func (t *Texture) Cell() healpix.Cell { return t.cell }
func (t *Texture) Uniq() uint64 { return t.uniq }
func (t *Texture) Idx() int { return t.idx }
func (t *Texture) Delta() uint8 { return t.delta }
func (t *Texture) TimeRequest() time.Time { return t.timeRequest }
func (t *Texture) NumTiles() int { return len(t.tiles) }
func (t *Texture) NumTilesWritten() int { return t.numTilesWritten }
func (t *Texture) Missing() bool { return t.missing }
func (t *Texture) TilesPerTexture() int { return 1 << (2 * t.delta) }
func (t *Texture) setMissing() { t.missing = true }
func (t *Texture) String() string { return fmt.Sprintf("texture[%d]%v", t.idx, t.cell) }

func (t *Texture) touch(timeRequest time.Time) {
	if timeRequest.After(t.timeRequest) {
		t.timeRequest = timeRequest
	}
}
