package texture

import (
	"container/heap"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/exec"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/metrics"
)

// TextureArray receives tile pixels. x and y are the tile position inside
// the slot, in tile units.
type TextureArray interface {
	WriteTile(slot, x, y int, img *hipsconfig.Image) error
	ClearSlot(slot int)
}

// UV is a square sub-rectangle of a slot in normalized coordinates.
type UV struct {
	X, Y, Size float64
}

// Draw tells the rasterizer where the pixels of a visible cell live.
type Draw struct {
	Cell      healpix.Cell
	Tile      healpix.Cell
	Slot      int
	UV        UV
	StartTime time.Time
	Ancestor  bool
}

// textureHeap orders the evictable textures by eviction priority:
// 1. visible textures last
// 2. oldest request first
//
// Base textures never enter the heap.
type textureHeap []*Texture

var _ heap.Interface = (*textureHeap)(nil)

func (h textureHeap) Len() int { return len(h) }

func (h textureHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.visible != b.visible {
		return !a.visible
	}
	return a.timeRequest.Before(b.timeRequest)
}

func (h textureHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *textureHeap) Push(x any) {
	t := x.(*Texture)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *textureHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// BaseTextures is the number of textures holding the base tiles.
func BaseTextures(cfg *hipsconfig.Config) int {
	return int(healpix.NumCells(hipsconfig.BaseDepth - cfg.DeltaDepth))
}

// Slots is the texture array size needed by a buffer of capacity evictable
// textures: the base area followed by the pool.
func Slots(cfg *hipsconfig.Config, capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	return BaseTextures(cfg) + capacity
}

// Buffer is the pool of textures of one survey. Base textures live in a
// reserved area and are never evicted; the others share capacity slots.
// It is owned by the frame goroutine and is not safe for concurrent use.
type Buffer struct {
	cfg      *hipsconfig.Config
	capacity int
	slots    []*Texture
	regular  int
	textures map[healpix.Cell]*Texture
	heap     textureHeap
	exec     *exec.Executor
	backend  TextureArray
	log      zerolog.Logger
	now      func() time.Time

	// required holds the texture cells drawing the current view.
	required map[healpix.Cell]struct{}
	evicted  []healpix.Cell

	available bool
	evictions int
}

// NewBuffer creates a pool of capacity evictable slots writing into backend.
// The backend must offer Slots(cfg, capacity) slots.
func NewBuffer(cfg *hipsconfig.Config, capacity int, ex *exec.Executor, backend TextureArray, log zerolog.Logger) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		cfg:      cfg,
		capacity: capacity,
		textures: make(map[healpix.Cell]*Texture),
		required: make(map[healpix.Cell]struct{}),
		exec:     ex,
		backend:  backend,
		log:      log.With().Str("component", "buffer").Str("survey", cfg.ID).Logger(),
		now:      time.Now,
	}
}

func (b *Buffer) taskKey(tile healpix.Cell) exec.TaskKey {
	return exec.TaskKey{Owner: b.cfg.ID, Cell: tile}
}

// Get returns the texture holding tile or its nearest appended ancestor.
func (b *Buffer) Get(tile healpix.Cell) *Texture {
	for c := tile; ; c = c.Parent() {
		if t, ok := b.textures[c.TextureCell(b.cfg.DeltaDepth)]; ok && t.Contains(c) {
			return t
		}
		if c.Depth == 0 {
			return nil
		}
	}
}

// Contains reports whether tile itself has been pushed.
func (b *Buffer) Contains(tile healpix.Cell) bool {
	t, ok := b.textures[tile.TextureCell(b.cfg.DeltaDepth)]
	return ok && t.Contains(tile)
}

// Push stores a decoded tile and schedules its upload.
func (b *Buffer) Push(tile healpix.Cell, img *hipsconfig.Image, timeRequest time.Time) {
	tc := tile.TextureCell(b.cfg.DeltaDepth)
	t, ok := b.textures[tc]
	if !ok {
		t = b.allocate(tc, timeRequest)
	} else {
		t.touch(timeRequest)
		if t.heapIndex >= 0 {
			heap.Fix(&b.heap, t.heapIndex)
		}
	}
	if t.Contains(tile) {
		return
	}
	now := b.now()
	t.Append(tile, now)

	x, y := tile.OffsetInParent(tc)
	b.exec.Spawn(b.taskKey(tile), func() {
		if err := b.backend.WriteTile(t.idx, int(x), int(y), img); err != nil {
			b.log.Warn().Err(err).Stringer("tile", tile).Msg("tile upload failed")
			return
		}
		t.markWritten(tile, b.now())
		b.available = true
	})
	b.available = true
}

// allocate binds a slot to texture cell tc. Base textures always get a slot
// of their own; the others evict the head of the heap once the pool is full.
func (b *Buffer) allocate(tc healpix.Cell, timeRequest time.Time) *Texture {
	base := int(tc.Depth)+int(b.cfg.DeltaDepth) == hipsconfig.BaseDepth
	var t *Texture
	switch {
	case base || b.regular < b.capacity:
		t = NewTexture(tc, b.cfg.DeltaDepth, len(b.slots), timeRequest)
		b.slots = append(b.slots, t)
		if !base {
			b.regular++
		}
		metrics.TexturesResident.WithLabelValues(b.cfg.ID).Set(float64(len(b.slots)))
	default:
		t = b.heap[0]
		b.evict(t)
		t.Replace(tc, timeRequest)
	}
	t.base = base
	_, t.visible = b.required[tc]
	b.textures[tc] = t
	if !base {
		if t.heapIndex < 0 {
			heap.Push(&b.heap, t)
		} else {
			heap.Fix(&b.heap, t.heapIndex)
		}
	}
	return t
}

// evict detaches t from its cell and cancels the uploads still pending for it.
func (b *Buffer) evict(t *Texture) {
	cancelled := 0
	for _, child := range t.cell.Children(t.delta) {
		if b.exec.Remove(b.taskKey(child)) {
			cancelled++
		}
	}
	for tile := range t.tiles {
		b.evicted = append(b.evicted, tile)
	}
	delete(b.textures, t.cell)
	b.backend.ClearSlot(t.idx)
	b.evictions++
	metrics.TextureEvictions.WithLabelValues(b.cfg.ID).Inc()
	b.log.Debug().
		Stringer("cell", t.cell).
		Int("slot", t.idx).
		Bool("full", t.full).
		Int("cancelled", cancelled).
		Msg("texture evicted")
}

// SetVisible marks the textures drawing the given view cells, including the
// ancestors used while deeper tiles are pending, and reorders the heap.
func (b *Buffer) SetVisible(cells []healpix.Cell) {
	for _, t := range b.slots {
		t.visible = false
	}
	clear(b.required)
	for _, cell := range cells {
		for c := cell; ; c = c.Parent() {
			tc := c.TextureCell(b.cfg.DeltaDepth)
			if _, seen := b.required[tc]; seen {
				// The remaining ancestors are marked already.
				break
			}
			b.required[tc] = struct{}{}
			if t, ok := b.textures[tc]; ok {
				t.visible = true
			}
			if c.Depth == 0 {
				break
			}
		}
	}
	heap.Init(&b.heap)
}

// TakeEvicted returns and clears the tiles dropped by evictions since the
// previous call.
func (b *Buffer) TakeEvicted() []healpix.Cell {
	ev := b.evicted
	b.evicted = nil
	return ev
}

// Resolve finds the written tile drawing cell, falling back to the nearest
// written ancestor. ok is false when nothing can be drawn yet.
func (b *Buffer) Resolve(cell healpix.Cell) (Draw, bool) {
	for a := cell; ; a = a.Parent() {
		tc := a.TextureCell(b.cfg.DeltaDepth)
		if t, ok := b.textures[tc]; ok {
			if at, written := t.Written(a); written {
				x, y := cell.OffsetInParent(tc)
				size := math.Ldexp(1, -int(cell.Depth-tc.Depth))
				start := at
				if st, full := t.StartTime(); full {
					start = st
				}
				return Draw{
					Cell:      cell,
					Tile:      a,
					Slot:      t.idx,
					UV:        UV{X: float64(x) * size, Y: float64(y) * size, Size: size},
					StartTime: start,
					Ancestor:  a != cell,
				}, true
			}
		}
		if a.Depth == 0 {
			return Draw{Cell: cell, Slot: -1}, false
		}
	}
}

// MarkMissing records that tile will never arrive.
func (b *Buffer) MarkMissing(tile healpix.Cell) bool {
	t, ok := b.textures[tile.TextureCell(b.cfg.DeltaDepth)]
	if !ok {
		return false
	}
	t.setMissing()
	return true
}

// TakeAvailable reports and clears the "new tiles available" flag.
func (b *Buffer) TakeAvailable() bool {
	v := b.available
	b.available = false
	return v
}

// Texture returns the texture bound to texture cell tc.
func (b *Buffer) Texture(tc healpix.Cell) (*Texture, bool) {
	t, ok := b.textures[tc]
	return t, ok
}

func (b *Buffer) Len() int { return len(b.textures) }

// Capacity is the number of slots the buffer may use, base area included.
func (b *Buffer) Capacity() int { return Slots(b.cfg, b.capacity) }

// SlotStat describes one allocated slot.
type SlotStat struct {
	Slot    int          `json:"slot"`
	Cell    healpix.Cell `json:"-"`
	Uniq    uint64       `json:"uniq"`
	Tiles   int          `json:"tiles"`
	Written int          `json:"written"`
	PerTex  int          `json:"tiles_per_texture"`
	Full    bool         `json:"full"`
	Visible bool         `json:"visible"`
	Base    bool         `json:"base"`
	Missing bool         `json:"missing"`
}

// Stats summarizes the pool.
type Stats struct {
	Capacity  int        `json:"capacity"`
	Resident  int        `json:"resident"`
	Full      int        `json:"full"`
	Evictions int        `json:"evictions"`
	Slots     []SlotStat `json:"slots"`
}

func (b *Buffer) Stats() Stats {
	s := Stats{Capacity: b.Capacity(), Resident: len(b.textures), Evictions: b.evictions}
	for _, t := range b.slots {
		if t.full {
			s.Full++
		}
		s.Slots = append(s.Slots, SlotStat{
			Slot:    t.idx,
			Cell:    t.cell,
			Uniq:    t.uniq,
			Tiles:   len(t.tiles),
			Written: t.numTilesWritten,
			PerTex:  t.TilesPerTexture(),
			Full:    t.full,
			Visible: t.visible,
			Base:    t.base,
			Missing: t.missing,
		})
	}
	return s
}
