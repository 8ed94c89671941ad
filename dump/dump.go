// Package dump provides a portable single-file format for exporting and
// importing tile versions.
//
// A dump file consists of a fixed header, the tile data region and the index:
//
//	header: magic [8]byte, index offset u64, item count u64 (little-endian)
//	data:   compressed blocks (see Item.Length), identical blocks are shared
//	index:  Item records, sorted by level and then along a Hilbert curve
//	        over the (x, z) plane
package dump

import (
	"cmp"
	"encoding/binary"
	"errors"
	"math/bits"
	"slices"

	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/google/hilbert"
)

var magic = [8]byte{'L', 'O', 'D', 'T', 'I', 'L', 'E', '1'}

var ErrBadMagic = errors.New("not a tile dump")

const headerSize = 24

type header struct {
	Magic       [8]byte
	IndexOffset uint64
	Count       uint64
}

// Item represents a single record in the index, mapping a tile position to
// its version and the location of its data in the dump.
type Item struct {
	Level     int32
	X         int32
	Y         int32
	Z         int32
	Timestamp int64
	Length    uint32
	Offset    uint64
}

var itemSize = binary.Size(Item{})

func (i Item) Pos() tile.Pos {
	return tile.Pos{Level: i.Level, X: i.X, Y: i.Y, Z: i.Z}
}

// maxCurveBits bounds the side of the Hilbert square; wider levels are
// ordered along a coarser curve.
const maxCurveBits = 16

type bounds struct {
	minX, minZ int64
	shift      int
	curve      *hilbert.Hilbert
}

func levelBounds(items []Item) map[int32]*bounds {
	type span struct{ minX, maxX, minZ, maxZ int64 }
	spans := make(map[int32]*span)
	for _, item := range items {
		x, z := int64(item.X), int64(item.Z)
		s, ok := spans[item.Level]
		if !ok {
			spans[item.Level] = &span{x, x, z, z}
			continue
		}
		s.minX, s.maxX = min(s.minX, x), max(s.maxX, x)
		s.minZ, s.maxZ = min(s.minZ, z), max(s.maxZ, z)
	}

	result := make(map[int32]*bounds, len(spans))
	for level, s := range spans {
		side := uint64(max(s.maxX-s.minX, s.maxZ-s.minZ))
		n := bits.Len64(side)
		shift := max(0, n-maxCurveBits)
		curve, err := hilbert.NewHilbert(1 << max(1, n-shift))
		if err != nil {
			panic(err)
		}
		result[level] = &bounds{minX: s.minX, minZ: s.minZ, shift: shift, curve: curve}
	}
	return result
}

func (b *bounds) code(item Item) int {
	x := int((int64(item.X) - b.minX) >> b.shift)
	z := int((int64(item.Z) - b.minZ) >> b.shift)
	t, err := b.curve.MapInverse(x, z)
	if err != nil {
		panic(err)
	}
	return t
}

func sortItems(items []Item) {
	curves := levelBounds(items)
	codes := make(map[tile.Pos]int, len(items))
	for _, item := range items {
		codes[item.Pos()] = curves[item.Level].code(item)
	}
	key := func(i Item) int { return codes[i.Pos()] }
	slices.SortFunc(items, func(a, b Item) int {
		return cmp.Or(
			cmp.Compare(a.Level, b.Level),
			cmp.Compare(key(a), key(b)),
			cmp.Compare(a.X, b.X),
			cmp.Compare(a.Z, b.Z),
			cmp.Compare(a.Y, b.Y),
		)
	})
}
