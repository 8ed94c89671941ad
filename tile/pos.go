package tile

import (
	"cmp"
	"fmt"
	"iter"
)

// MaxLevels is the number of detail levels a Pos may address.
const MaxLevels = 32

// Pos represents tile coordinates: a 3D tile-grid position at a given level of detail.
// Level 0 is the most detailed level, each level above covers 2x2x2 tiles of the level below.
type Pos struct {
	Level int32
	X     int32
	Y     int32
	Z     int32
}

func (p Pos) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", p.Level, p.X, p.Y, p.Z)
}

func (p Pos) LevelValid() bool {
	return p.Level >= 0 && p.Level < MaxLevels
}

// Up returns the parent position one level up.
func (p Pos) Up() Pos {
	return Pos{Level: p.Level + 1, X: p.X >> 1, Y: p.Y >> 1, Z: p.Z >> 1}
}

// UpTo returns the ancestor at the given level. It panics if level is below p.Level.
func (p Pos) UpTo(level int32) Pos {
	if level < p.Level {
		panic(fmt.Sprintf("lodtiles: target level %d is below %d", level, p.Level))
	}
	shift := level - p.Level
	return Pos{Level: level, X: p.X >> shift, Y: p.Y >> shift, Z: p.Z >> shift}
}

// Down returns the child position with the smallest coordinates one level down.
func (p Pos) Down() Pos {
	return Pos{Level: p.Level - 1, X: p.X << 1, Y: p.Y << 1, Z: p.Z << 1}
}

// DownTo returns the descendant with the smallest coordinates at the given level.
// It panics if level is above p.Level.
func (p Pos) DownTo(level int32) Pos {
	if level > p.Level {
		panic(fmt.Sprintf("lodtiles: target level %d is above %d", level, p.Level))
	}
	shift := p.Level - level
	return Pos{Level: level, X: p.X << shift, Y: p.Y << shift, Z: p.Z << shift}
}

// Children returns all 8 positions one level down covered by p.
func (p Pos) Children() [8]Pos {
	var result [8]Pos
	d := p.Down()
	for i := range result {
		result[i] = Pos{
			Level: d.Level,
			X:     d.X + int32(i>>2&1),
			Y:     d.Y + int32(i>>1&1),
			Z:     d.Z + int32(i&1),
		}
	}
	return result
}

// Contains reports whether o lies strictly below p and inside the volume covered by p.
func (p Pos) Contains(o Pos) bool {
	d := p.Level - o.Level
	return d > 0 && o.X>>d == p.X && o.Y>>d == p.Y && o.Z>>d == p.Z
}

// PositionsInBB returns all positions at p's level whose coordinates are within
// [-offsetMin, offsetMax] of p on every axis, in x-major order.
func (p Pos) PositionsInBB(offsetMin, offsetMax int32) iter.Seq[Pos] {
	if offsetMin < 0 || offsetMax < 0 {
		panic(fmt.Sprintf("lodtiles: negative offsets (%d, %d)", offsetMin, offsetMax))
	}
	return func(yield func(Pos) bool) {
		for x := p.X - offsetMin; x <= p.X+offsetMax; x++ {
			for y := p.Y - offsetMin; y <= p.Y+offsetMax; y++ {
				for z := p.Z - offsetMin; z <= p.Z+offsetMax; z++ {
					if !yield(Pos{Level: p.Level, X: x, Y: y, Z: z}) {
						return
					}
				}
			}
		}
	}
}

// ManhattanDistance returns the distance between p and o in level-0 tile units,
// scaled to the coarser of the two levels.
func (p Pos) ManhattanDistance(o Pos) int32 {
	if p.Level == o.Level {
		return abs(p.X-o.X) + abs(p.Y-o.Y) + abs(p.Z-o.Z)
	}
	s0 := max(o.Level-p.Level, 0)
	s1 := max(p.Level-o.Level, 0)
	s := max(s0, s1)
	return abs(p.X>>s0-o.X>>s1)<<s + abs(p.Y>>s0-o.Y>>s1)<<s + abs(p.Z>>s0-o.Z>>s1)<<s
}

// Compare orders positions by level, then x, z and y.
func (p Pos) Compare(o Pos) int {
	return cmp.Or(
		cmp.Compare(p.Level, o.Level),
		cmp.Compare(p.X, o.X),
		cmp.Compare(p.Z, o.Z),
		cmp.Compare(p.Y, o.Y),
	)
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
