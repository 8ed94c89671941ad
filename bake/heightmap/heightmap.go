// Package heightmap implements a bake.Strategy that turns voxel tiles into a
// wireframe of surface points connected along their crossing edges.
//
// Each output is baked from a 2x2x2 block of tiles: the output position and
// its +x, +y and +z neighbors, which provide the seam with adjacent outputs.
package heightmap

import (
	"fmt"
	"slices"
	"sync"

	"github.com/eak1mov/go-lodtiles/bake"
	"github.com/eak1mov/go-lodtiles/internal/refcnt"
	"github.com/eak1mov/go-lodtiles/tile"
)

const inputCount = 8

// Vertex is a surface point in level-0 voxel coordinates.
type Vertex struct {
	X, Y, Z float32
	State   uint16
	Light   uint8
}

// Output holds baked geometry. Indices are pairs of vertex indices.
type Output struct {
	refs     refcnt.Count
	strategy *Strategy
	Vertices []Vertex
	Indices  []uint32
}

func (o *Output) Empty() bool {
	return len(o.Indices) == 0
}

func (o *Output) Release() {
	if o.refs.Release() {
		o.Vertices = o.Vertices[:0]
		o.Indices = o.Indices[:0]
		o.strategy.outputs.Put(o)
	}
}

type Strategy struct {
	outputs sync.Pool
}

func New() *Strategy {
	return &Strategy{}
}

func (s *Strategy) BakeOutputs(pos tile.Pos) []tile.Pos {
	return slices.Collect(pos.PositionsInBB(1, 0))
}

func (s *Strategy) BakeInputs(pos tile.Pos) []tile.Pos {
	return slices.Collect(pos.PositionsInBB(0, 1))
}

func (s *Strategy) NewOutput() bake.Output {
	o, ok := s.outputs.Get().(*Output)
	if !ok {
		o = &Output{strategy: s}
	}
	o.refs.Init()
	return o
}

const border = tile.Size + 1

func cell(x, y, z int) int {
	return (x*border+y)*border + z
}

func (s *Strategy) Bake(pos tile.Pos, inputs []*tile.Tile, out bake.Output) error {
	if len(inputs) != inputCount {
		return fmt.Errorf("expected %d inputs, got %d", inputCount, len(inputs))
	}
	o := out.(*Output)

	var index [border * border * border]int32
	for i := range index {
		index[i] = -1
	}

	scale := float32(int64(1) << pos.Level)
	for i, t := range inputs {
		if t == nil {
			continue
		}
		dx, dy, dz := i>>2&1, i>>1&1, i&1
		for c, v := range t.Voxels() {
			x, y, z := tile.CellCoords(c)
			gx, gy, gz := dx*tile.Size+x, dy*tile.Size+y, dz*tile.Size+z
			if gx >= border || gy >= border || gz >= border {
				continue
			}
			index[cell(gx, gy, gz)] = int32(len(o.Vertices))
			o.Vertices = append(o.Vertices, Vertex{
				X:     (float32(int64(pos.X)*tile.Size+int64(gx)) + float32(v.Offset[0])/256) * scale,
				Y:     (float32(int64(pos.Y)*tile.Size+int64(gy)) + float32(v.Offset[1])/256) * scale,
				Z:     (float32(int64(pos.Z)*tile.Size+int64(gz)) + float32(v.Offset[2])/256) * scale,
				State: v.States[0],
				Light: v.Light,
			})
		}
	}

	if inputs[0] == nil {
		return nil
	}
	for c, v := range inputs[0].Voxels() {
		x, y, z := tile.CellCoords(c)
		from := index[cell(x, y, z)]
		for axis, next := range [3][3]int{{x + 1, y, z}, {x, y + 1, z}, {x, y, z + 1}} {
			if v.Edges&(1<<axis) == 0 {
				continue
			}
			if to := index[cell(next[0], next[1], next[2])]; to >= 0 {
				o.Indices = append(o.Indices, uint32(from), uint32(to))
			}
		}
	}
	return nil
}
