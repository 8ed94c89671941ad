package tile

// Limits bounds the region in which tiles may exist, in level-0 tile coordinates.
// Min is inclusive, Max is exclusive.
type Limits struct {
	Min [3]int32
	Max [3]int32
}

// Contains reports whether the volume covered by p intersects the limits.
func (l Limits) Contains(p Pos) bool {
	if !p.LevelValid() {
		return false
	}
	for axis, c := range [3]int32{p.X, p.Y, p.Z} {
		lo := int64(c) << p.Level
		hi := (int64(c) + 1) << p.Level
		if hi <= int64(l.Min[axis]) || lo >= int64(l.Max[axis]) {
			return false
		}
	}
	return true
}
