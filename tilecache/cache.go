// Package tilecache implements the in-memory cache of resident tile snapshots.
//
// The cache owns one reference to every resident snapshot. Changes are
// propagated to listeners while the entry's shard is locked, so events for one
// position are delivered in the order the updates completed.
package tilecache

import (
	"hash/maphash"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/tile"
)

// Listener receives cache events.
//
// TileAdded and TileModified receive a borrowed snapshot: it is only valid during
// the call unless the listener retains it. TileRemoved receives only the position.
// Callbacks run with the entry's shard locked and must not call back into the cache.
type Listener interface {
	TileAdded(s *tile.Snapshot)
	TileModified(s *tile.Snapshot)
	TileRemoved(pos tile.Pos)
}

// Stats are advisory counters of the resident tiles.
type Stats struct {
	TileCount         int64
	TileCountWithData int64
	tile.SnapshotStats
}

type shard struct {
	mu    sync.Mutex
	tiles map[tile.Pos]*tile.Snapshot
	stats Stats
}

func (sh *shard) account(s *tile.Snapshot, sign int64) {
	st := s.Stats()
	sh.stats.TileCount += sign
	if !s.Empty() {
		sh.stats.TileCountWithData += sign
	}
	if sign > 0 {
		sh.stats.SnapshotStats = sh.stats.SnapshotStats.Add(st)
	} else {
		sh.stats.SnapshotStats = sh.stats.SnapshotStats.Sub(st)
	}
}

type Cache struct {
	seed        maphash.Seed
	shards      []shard
	compression compress.Compression
	logger      *slog.Logger

	listenersMu sync.Mutex
	listeners   atomic.Pointer[[]Listener]

	closed atomic.Bool
}

type config struct {
	Shards      int
	Compression compress.Compression
	Logger      *slog.Logger
}

type Option func(*config)

// WithShards sets the number of independently locked partitions.
func WithShards(n int) Option {
	return func(c *config) { c.Shards = n }
}

// WithCompression sets the codec used by TryCompressExistingTile. Defaults to zstd.
func WithCompression(compression compress.Compression) Option {
	return func(c *config) { c.Compression = compression }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

func New(opts ...Option) *Cache {
	config := config{
		Shards:      64,
		Compression: compress.Zstd,
		Logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}
	config.Shards = max(config.Shards, 1)

	c := &Cache{
		seed:        maphash.MakeSeed(),
		shards:      make([]shard, config.Shards),
		compression: config.Compression,
		logger:      config.Logger,
	}
	for i := range c.shards {
		c.shards[i].tiles = make(map[tile.Pos]*tile.Snapshot)
	}
	c.listeners.Store(&[]Listener{})
	return c
}

func (c *Cache) check() {
	if c.closed.Load() {
		panic("lodtiles: tile cache used after close")
	}
}

func (c *Cache) shard(pos tile.Pos) *shard {
	return &c.shards[maphash.Comparable(c.seed, pos)%uint64(len(c.shards))]
}

// ReceiveTile makes s the resident snapshot for its position, taking over the
// caller's reference. A replaced snapshot is released.
func (c *Cache) ReceiveTile(s *tile.Snapshot) {
	c.check()
	pos := s.Pos()
	sh := c.shard(pos)

	sh.mu.Lock()
	old := sh.tiles[pos]
	sh.tiles[pos] = s
	if old != nil {
		sh.account(old, -1)
	}
	sh.account(s, 1)
	for _, l := range *c.listeners.Load() {
		if old == nil {
			l.TileAdded(s)
		} else {
			l.TileModified(s)
		}
	}
	sh.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// UnloadTile removes the tile at pos and reports whether it was resident.
func (c *Cache) UnloadTile(pos tile.Pos) bool {
	c.check()
	sh := c.shard(pos)

	sh.mu.Lock()
	old, ok := sh.tiles[pos]
	if ok {
		delete(sh.tiles, pos)
		sh.account(old, -1)
		for _, l := range *c.listeners.Load() {
			l.TileRemoved(pos)
		}
	}
	sh.mu.Unlock()

	if ok {
		old.Release()
	}
	return ok
}

// GetCached returns the resident snapshot at pos retained on behalf of the
// caller, or nil. The caller must release it.
func (c *Cache) GetCached(pos tile.Pos) *tile.Snapshot {
	c.check()
	sh := c.shard(pos)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s := sh.tiles[pos]; s != nil {
		return s.Retain()
	}
	return nil
}

// GetManyCached is GetCached for several positions; absent tiles are nil.
func (c *Cache) GetManyCached(positions []tile.Pos) []*tile.Snapshot {
	result := make([]*tile.Snapshot, len(positions))
	for i, pos := range positions {
		result[i] = c.GetCached(pos)
	}
	return result
}

// Contains reports whether a tile is resident at pos.
func (c *Cache) Contains(pos tile.Pos) bool {
	c.check()
	sh := c.shard(pos)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.tiles[pos]
	return ok
}

// TryCompressExistingTile replaces a raw resident snapshot with its compressed
// form, unless the entry changes while compressing. It reports whether the
// entry was replaced.
func (c *Cache) TryCompressExistingTile(pos tile.Pos) (bool, error) {
	c.check()
	sh := c.shard(pos)

	sh.mu.Lock()
	s := sh.tiles[pos]
	if s == nil || s.Compressed() {
		sh.mu.Unlock()
		return false, nil
	}
	s.Retain()
	sh.mu.Unlock()
	defer s.Release()

	compressed, err := s.Compress(c.compression)
	if err != nil {
		c.logger.Warn("lodtiles: failed to compress tile", "pos", pos, "error", err)
		return false, err
	}

	sh.mu.Lock()
	replaced := sh.tiles[pos] == s
	if replaced {
		sh.tiles[pos] = compressed
		sh.account(s, -1)
		sh.account(compressed, 1)
	}
	sh.mu.Unlock()

	if replaced {
		s.Release()
	} else {
		compressed.Release()
	}
	return replaced, nil
}

// AddListener registers l. With notifyForExisting, l receives TileAdded for
// every resident tile. A tile changing concurrently with the backfill may be
// reported to l twice.
func (c *Cache) AddListener(l Listener, notifyForExisting bool) {
	c.check()
	c.listenersMu.Lock()
	old := *c.listeners.Load()
	if slices.Contains(old, l) {
		c.listenersMu.Unlock()
		panic("lodtiles: cache listener added twice")
	}
	updated := append(slices.Clip(old), l)
	c.listeners.Store(&updated)
	c.listenersMu.Unlock()

	if notifyForExisting {
		c.forEachLocked(func(_ tile.Pos, s *tile.Snapshot) { l.TileAdded(s) })
	}
}

// RemoveListener unregisters l. With notifyRemoval, l receives TileRemoved for
// every resident tile.
func (c *Cache) RemoveListener(l Listener, notifyRemoval bool) {
	c.check()
	c.listenersMu.Lock()
	old := *c.listeners.Load()
	i := slices.Index(old, l)
	if i < 0 {
		c.listenersMu.Unlock()
		panic("lodtiles: removing unknown cache listener")
	}
	updated := slices.Delete(slices.Clone(old), i, i+1)
	c.listeners.Store(&updated)
	c.listenersMu.Unlock()

	if notifyRemoval {
		c.forEachLocked(func(pos tile.Pos, _ *tile.Snapshot) { l.TileRemoved(pos) })
	}
}

func (c *Cache) forEachLocked(fn func(tile.Pos, *tile.Snapshot)) {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for pos, s := range sh.tiles {
			fn(pos, s)
		}
		sh.mu.Unlock()
	}
}

func (c *Cache) Stats() Stats {
	c.check()
	var total Stats
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		total.TileCount += sh.stats.TileCount
		total.TileCountWithData += sh.stats.TileCountWithData
		total.SnapshotStats = total.SnapshotStats.Add(sh.stats.SnapshotStats)
		sh.mu.Unlock()
	}
	return total
}

// Close removes every resident tile, notifying listeners, and releases them.
// The cache must not be used afterwards.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		panic("lodtiles: tile cache closed twice")
	}
	listeners := *c.listeners.Load()
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for pos, s := range sh.tiles {
			for _, l := range listeners {
				l.TileRemoved(pos)
			}
			s.Release()
			removed++
		}
		clear(sh.tiles)
		sh.stats = Stats{}
		sh.mu.Unlock()
	}
	c.logger.Debug("lodtiles: tile cache closed", "tiles", removed)
}
