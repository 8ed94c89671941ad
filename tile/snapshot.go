package tile

import (
	"fmt"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/internal/refcnt"
)

// Snapshot is an immutable, versioned and reference-counted view of a tile's
// encoded content. Holders must Retain and Release it explicitly; after the last
// Release every accessor panics.
type Snapshot struct {
	refs       refcnt.Count
	pos        Pos
	timestamp  int64
	data       []byte
	compressed bool
}

// SnapshotStats describes the memory held by a snapshot.
type SnapshotStats struct {
	AllocatedSpace   int64
	TotalSpace       int64
	UncompressedSize int64
}

func (s SnapshotStats) Add(o SnapshotStats) SnapshotStats {
	return SnapshotStats{
		AllocatedSpace:   s.AllocatedSpace + o.AllocatedSpace,
		TotalSpace:       s.TotalSpace + o.TotalSpace,
		UncompressedSize: s.UncompressedSize + o.UncompressedSize,
	}
}

func (s SnapshotStats) Sub(o SnapshotStats) SnapshotStats {
	return SnapshotStats{
		AllocatedSpace:   s.AllocatedSpace - o.AllocatedSpace,
		TotalSpace:       s.TotalSpace - o.TotalSpace,
		UncompressedSize: s.UncompressedSize - o.UncompressedSize,
	}
}

// NewSnapshot creates a raw snapshot holding one reference. It takes ownership of data,
// which must be the encoding produced by Tile.AppendBinary.
func NewSnapshot(pos Pos, timestamp int64, data []byte) *Snapshot {
	s := &Snapshot{pos: pos, timestamp: timestamp, data: data}
	s.refs.Init()
	return s
}

// NewTileSnapshot encodes t into a new raw snapshot.
func NewTileSnapshot(pos Pos, timestamp int64, t *Tile) (*Snapshot, error) {
	data, err := t.AppendBinary(nil)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(pos, timestamp, data), nil
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot(%v@%d)", s.pos, s.timestamp)
}

func (s *Snapshot) Pos() Pos {
	s.refs.Check()
	return s.pos
}

func (s *Snapshot) Timestamp() int64 {
	s.refs.Check()
	return s.timestamp
}

// Empty reports whether the snapshot holds an empty tile.
func (s *Snapshot) Empty() bool {
	s.refs.Check()
	return len(s.data) == 0
}

func (s *Snapshot) Compressed() bool {
	s.refs.Check()
	return s.compressed
}

// Live reports whether the snapshot has not been released yet.
func (s *Snapshot) Live() bool {
	return s.refs.Live()
}

func (s *Snapshot) Refs() int32 {
	return s.refs.Refs()
}

// Retain adds a reference and returns s.
func (s *Snapshot) Retain() *Snapshot {
	s.refs.Retain()
	return s
}

// TryRetain adds a reference unless s was already released.
func (s *Snapshot) TryRetain() bool {
	return s.refs.TryRetain()
}

// Release drops a reference. The last release poisons the snapshot.
func (s *Snapshot) Release() {
	if s.refs.Release() {
		s.data = nil
	}
}

// Data returns the raw tile encoding, decompressing it if needed.
// The result must not be modified.
func (s *Snapshot) Data() ([]byte, error) {
	s.refs.Check()
	if !s.compressed {
		return s.data, nil
	}
	return compress.Decompress(s.data)
}

// LoadTile decodes the snapshot into a tile acquired from pool.
// The caller releases the tile back to the pool.
func (s *Snapshot) LoadTile(pool *Pool) (*Tile, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	t := pool.Acquire()
	if err := t.UnmarshalBinary(data); err != nil {
		pool.Release(t)
		return nil, fmt.Errorf("failed to decode %v: %w", s.pos, err)
	}
	return t, nil
}

// Compress returns a new compressed snapshot with the same position and timestamp.
// A snapshot that is already compressed is returned retained.
func (s *Snapshot) Compress(compression compress.Compression) (*Snapshot, error) {
	s.refs.Check()
	if s.compressed {
		return s.Retain(), nil
	}
	data, err := compress.Compress(s.data, compression)
	if err != nil {
		return nil, err
	}
	c := NewSnapshot(s.pos, s.timestamp, data)
	c.compressed = true
	return c, nil
}

func (s *Snapshot) Stats() SnapshotStats {
	s.refs.Check()
	uncompressed := len(s.data)
	if s.compressed {
		uncompressed = compress.UncompressedSize(s.data)
	}
	return SnapshotStats{
		AllocatedSpace:   int64(cap(s.data)),
		TotalSpace:       int64(len(s.data)),
		UncompressedSize: int64(uncompressed),
	}
}
