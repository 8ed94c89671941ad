package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// KeySize is the length of an encoded position key.
const KeySize = 13

var ErrInvalidKey = errors.New("invalid tile key")

// AppendKey appends the storage key of p to dst.
// The key is the level byte followed by the bit-interleaved coordinates
// (96 bits, big endian), so positions that are close in space share key prefixes.
// It panics if p.Level is out of range.
func AppendKey(dst []byte, p Pos) []byte {
	if !p.LevelValid() {
		panic(fmt.Sprintf("lodtiles: tile level out of range: %v", p))
	}
	hi, lo := interleave(uint32(p.X), uint32(p.Y), uint32(p.Z))
	dst = append(dst, byte(p.Level))
	dst = binary.BigEndian.AppendUint32(dst, hi)
	dst = binary.BigEndian.AppendUint64(dst, lo)
	return dst
}

func Key(p Pos) []byte {
	return AppendKey(make([]byte, 0, KeySize), p)
}

func DecodeKey(key []byte) (Pos, error) {
	if len(key) != KeySize {
		return Pos{}, fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	if key[0] >= MaxLevels {
		return Pos{}, fmt.Errorf("%w: level %d", ErrInvalidKey, key[0])
	}
	hi := binary.BigEndian.Uint32(key[1:])
	lo := binary.BigEndian.Uint64(key[5:])
	x, y, z := deinterleave(hi, lo)
	return Pos{Level: int32(key[0]), X: int32(x), Y: int32(y), Z: int32(z)}, nil
}

// interleave spreads bit i of x, y and z to bits 3i+2, 3i+1 and 3i of a 96-bit value.
func interleave(x, y, z uint32) (hi uint32, lo uint64) {
	for i := range 32 {
		for j, v := range [3]uint32{z, y, x} {
			bit := uint64(v>>i) & 1
			n := 3*i + j
			if n < 64 {
				lo |= bit << n
			} else {
				hi |= uint32(bit) << (n - 64)
			}
		}
	}
	return hi, lo
}

func deinterleave(hi uint32, lo uint64) (x, y, z uint32) {
	for i := range 32 {
		for j, v := range [3]*uint32{&z, &y, &x} {
			n := 3*i + j
			var bit uint32
			if n < 64 {
				bit = uint32(lo>>n) & 1
			} else {
				bit = (hi >> (n - 64)) & 1
			}
			*v |= bit << i
		}
	}
	return x, y, z
}
