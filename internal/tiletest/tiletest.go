// Package tiletest provides helpers for testing tile storage, caching and baking.
package tiletest

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/eak1mov/go-lodtiles/tile"
)

// RandomTile returns a tile with up to n random voxels.
func RandomTile(rng *rand.Rand, n int) *tile.Tile {
	t := tile.NewTile()
	for range n {
		t.Set(rng.IntN(tile.Size), rng.IntN(tile.Size), rng.IntN(tile.Size), tile.Voxel{
			Offset: [3]uint8{uint8(rng.Uint32()), uint8(rng.Uint32()), uint8(rng.Uint32())},
			Edges:  uint8(rng.IntN(8)),
			States: [3]uint16{uint16(rng.Uint32()), uint16(rng.Uint32()), uint16(rng.Uint32())},
			Light:  uint8(rng.Uint32()),
		})
	}
	return t
}

// Snapshot returns a raw snapshot of a tile with n voxels derived from seed.
func Snapshot(pos tile.Pos, timestamp int64, seed uint64, n int) *tile.Snapshot {
	rng := rand.New(rand.NewPCG(seed, uint64(timestamp)))
	s, err := tile.NewTileSnapshot(pos, timestamp, RandomTile(rng, n))
	if err != nil {
		panic(err)
	}
	return s
}

// StorageListener records storage notifications.
type StorageListener struct {
	mu      sync.Mutex
	Changed [][]tile.Pos
	Dirty   [][]tile.Pos
}

func (l *StorageListener) TilesChanged(positions []tile.Pos) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Changed = append(l.Changed, slices.Clone(positions))
}

func (l *StorageListener) TilesDirty(positions []tile.Pos) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Dirty = append(l.Dirty, slices.Clone(positions))
}

func (l *StorageListener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Changed, l.Dirty = nil, nil
}

type EventKind int

const (
	Added EventKind = iota
	Modified
	Removed
)

func (k EventKind) String() string {
	return [...]string{"added", "modified", "removed"}[k]
}

// CacheEvent is one recorded cache notification. Timestamp is zero for removals.
type CacheEvent struct {
	Kind      EventKind
	Pos       tile.Pos
	Timestamp int64
}

// CacheListener records cache notifications. It keeps the borrowed snapshots
// without retaining them.
type CacheListener struct {
	mu       sync.Mutex
	events   []CacheEvent
	borrowed []*tile.Snapshot
}

func (l *CacheListener) record(kind EventKind, pos tile.Pos, s *tile.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	event := CacheEvent{Kind: kind, Pos: pos}
	if s != nil {
		event.Timestamp = s.Timestamp()
		l.borrowed = append(l.borrowed, s)
	}
	l.events = append(l.events, event)
}

func (l *CacheListener) TileAdded(s *tile.Snapshot)    { l.record(Added, s.Pos(), s) }
func (l *CacheListener) TileModified(s *tile.Snapshot) { l.record(Modified, s.Pos(), s) }
func (l *CacheListener) TileRemoved(pos tile.Pos)      { l.record(Removed, pos, nil) }

func (l *CacheListener) Events() []CacheEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// Borrowed returns every snapshot passed to TileAdded or TileModified.
func (l *CacheListener) Borrowed() []*tile.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.borrowed)
}
