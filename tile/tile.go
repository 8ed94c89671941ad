// Package tile provides common tile types: positions, raw tile content,
// reference-counted snapshots and tileset visiting interfaces.
package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
)

const (
	Shift      = 4
	Size       = 1 << Shift // voxels per tile edge
	VoxelCount = Size * Size * Size

	voxelSize = 2 + 3 + 1 + 3*2 + 1
)

var errTruncated = errors.New("tile data truncated")

// Voxel is a single surface sample inside a tile.
type Voxel struct {
	Offset [3]uint8 // vertex position inside the voxel, in 1/256ths
	Edges  uint8    // bitmask of edges crossing the surface
	States [3]uint16
	Light  uint8
}

type entry struct {
	cell  uint16
	voxel Voxel
}

// Tile is the mutable raw content of one tile: a sparse set of voxels.
// A Tile is not safe for concurrent use. Use Pool to recycle instances.
type Tile struct {
	index   [VoxelCount]int16 // cell -> entries index, -1 if absent
	entries []entry
}

func NewTile() *Tile {
	t := &Tile{}
	t.Reset()
	return t
}

func cellIndex(x, y, z int) int {
	if x < 0 || x >= Size || y < 0 || y >= Size || z < 0 || z >= Size {
		panic(fmt.Sprintf("lodtiles: voxel coordinates out of range: (%d, %d, %d)", x, y, z))
	}
	return (x*Size+y)*Size + z
}

// CellCoords converts a cell index back into voxel coordinates.
func CellCoords(cell int) (x, y, z int) {
	return cell / (Size * Size), cell / Size % Size, cell % Size
}

func (t *Tile) Get(x, y, z int) (Voxel, bool) {
	i := t.index[cellIndex(x, y, z)]
	if i < 0 {
		return Voxel{}, false
	}
	return t.entries[i].voxel, true
}

func (t *Tile) Set(x, y, z int, v Voxel) {
	t.setCell(cellIndex(x, y, z), v)
}

func (t *Tile) setCell(cell int, v Voxel) {
	if i := t.index[cell]; i >= 0 {
		t.entries[i].voxel = v
		return
	}
	t.index[cell] = int16(len(t.entries))
	t.entries = append(t.entries, entry{cell: uint16(cell), voxel: v})
}

func (t *Tile) Len() int {
	return len(t.entries)
}

func (t *Tile) Empty() bool {
	return len(t.entries) == 0
}

// Reset removes all voxels, keeping allocated memory.
func (t *Tile) Reset() {
	for i := range t.index {
		t.index[i] = -1
	}
	t.entries = t.entries[:0]
}

// Voxels yields all voxels in cell order.
func (t *Tile) Voxels() iter.Seq2[int, Voxel] {
	return func(yield func(int, Voxel) bool) {
		for cell, i := range t.index {
			if i >= 0 && !yield(cell, t.entries[i].voxel) {
				return
			}
		}
	}
}

// AppendBinary appends the encoded tile to dst. An empty tile encodes to nothing.
func (t *Tile) AppendBinary(dst []byte) ([]byte, error) {
	if t.Empty() {
		return dst, nil
	}
	dst = binary.AppendUvarint(dst, uint64(len(t.entries)))
	for cell, v := range t.Voxels() {
		dst = binary.BigEndian.AppendUint16(dst, uint16(cell))
		dst = append(dst, v.Offset[0], v.Offset[1], v.Offset[2], v.Edges)
		for _, s := range v.States {
			dst = binary.BigEndian.AppendUint16(dst, s)
		}
		dst = append(dst, v.Light)
	}
	return dst, nil
}

// UnmarshalBinary replaces the tile content with the decoded data.
func (t *Tile) UnmarshalBinary(data []byte) error {
	t.Reset()
	if len(data) == 0 {
		return nil
	}

	count, n := binary.Uvarint(data)
	if n <= 0 || count > VoxelCount {
		return fmt.Errorf("invalid voxel count: %w", errTruncated)
	}
	data = data[n:]
	if uint64(len(data)) < count*voxelSize {
		return errTruncated
	}

	for range count {
		cell := int(binary.BigEndian.Uint16(data))
		if cell >= VoxelCount {
			return fmt.Errorf("voxel cell out of range (%d)", cell)
		}
		v := Voxel{
			Offset: [3]uint8{data[2], data[3], data[4]},
			Edges:  data[5],
			Light:  data[12],
		}
		for i := range v.States {
			v.States[i] = binary.BigEndian.Uint16(data[6+2*i:])
		}
		t.setCell(cell, v)
		data = data[voxelSize:]
	}
	return nil
}

// Pool recycles Tile instances to avoid allocation churn.
type Pool struct {
	pool sync.Pool
}

// Acquire returns an empty tile.
func (p *Pool) Acquire() *Tile {
	if t, ok := p.pool.Get().(*Tile); ok {
		return t
	}
	return NewTile()
}

// Release resets the tile and returns it to the pool. The tile must not be used afterwards.
func (p *Pool) Release(t *Tile) {
	t.Reset()
	p.pool.Put(t)
}
