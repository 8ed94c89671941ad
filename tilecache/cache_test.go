package tilecache_test

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/eak1mov/go-lodtiles/internal/tiletest"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/eak1mov/go-lodtiles/tilecache"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestAddModifyRemove(t *testing.T) {
	c := tilecache.New()
	var l tiletest.CacheListener
	c.AddListener(&l, false)

	pos := tile.Pos{Level: 1, X: 2, Y: 3, Z: 4}
	v1 := tiletest.Snapshot(pos, 1, 1, 10)
	v2 := tiletest.Snapshot(pos, 2, 1, 10)
	v1.Retain()

	c.ReceiveTile(v1)
	require.Equal(t, int32(2), v1.Refs())
	c.ReceiveTile(v2)
	require.Equal(t, int32(1), v1.Refs(), "replaced snapshot not released by the cache")
	require.True(t, c.UnloadTile(pos))
	require.False(t, v2.Live())
	require.False(t, c.UnloadTile(pos))

	want := []tiletest.CacheEvent{
		{Kind: tiletest.Added, Pos: pos, Timestamp: 1},
		{Kind: tiletest.Modified, Pos: pos, Timestamp: 2},
		{Kind: tiletest.Removed, Pos: pos},
	}
	if diff := cmp.Diff(want, l.Events()); diff != "" {
		t.Errorf("events mismatch (-want+got):\n%v", diff)
	}
	v1.Release()
	require.False(t, v1.Live())
}

func TestBorrowedSnapshotsArePoisoned(t *testing.T) {
	c := tilecache.New()
	var l tiletest.CacheListener
	c.AddListener(&l, false)

	pos := tile.Pos{X: 7}
	c.ReceiveTile(tiletest.Snapshot(pos, 1, 2, 5))
	c.ReceiveTile(tiletest.Snapshot(pos, 2, 2, 5))
	c.UnloadTile(pos)

	borrowed := l.Borrowed()
	require.Len(t, borrowed, 2)
	for _, s := range borrowed {
		require.False(t, s.Live())
		require.Panics(t, func() { s.Timestamp() })
		require.Panics(t, func() { s.Data() })
	}
}

func TestGetCached(t *testing.T) {
	c := tilecache.New(tilecache.WithShards(3))
	pos := tile.Pos{Y: -1}
	require.Nil(t, c.GetCached(pos))

	s := tiletest.Snapshot(pos, 4, 3, 5)
	c.ReceiveTile(s)
	got := c.GetCached(pos)
	require.Same(t, s, got)
	require.Equal(t, int32(2), s.Refs())

	c.UnloadTile(pos)
	require.True(t, got.Live(), "caller reference dropped by unload")
	got.Release()
	require.False(t, s.Live())

	c.ReceiveTile(tiletest.Snapshot(pos, 5, 3, 5))
	many := c.GetManyCached([]tile.Pos{{X: 100}, pos})
	require.Nil(t, many[0])
	require.Equal(t, int64(5), many[1].Timestamp())
	many[1].Release()
	require.True(t, c.Contains(pos))
	require.False(t, c.Contains(tile.Pos{X: 100}))
}

func TestTryCompressExistingTile(t *testing.T) {
	c := tilecache.New()
	var l tiletest.CacheListener
	c.AddListener(&l, false)

	pos := tile.Pos{Z: 3}
	raw := tiletest.Snapshot(pos, 9, 4, 50)
	want, err := raw.Data()
	require.NoError(t, err)
	want = append([]byte(nil), want...)
	c.ReceiveTile(raw)

	compressed, err := c.TryCompressExistingTile(pos)
	require.NoError(t, err)
	require.True(t, compressed)
	require.False(t, raw.Live())

	again, err := c.TryCompressExistingTile(pos)
	require.NoError(t, err)
	require.False(t, again, "compressed tile compressed twice")

	missing, err := c.TryCompressExistingTile(tile.Pos{X: 1})
	require.NoError(t, err)
	require.False(t, missing)

	s := c.GetCached(pos)
	require.True(t, s.Compressed())
	require.Equal(t, int64(9), s.Timestamp())
	got, err := s.Data()
	require.NoError(t, err)
	require.Equal(t, want, got)
	s.Release()

	require.Len(t, l.Events(), 1, "compression must not notify listeners")
}

func TestNotifyExistingAndRemoval(t *testing.T) {
	c := tilecache.New()
	positions := []tile.Pos{{X: 1}, {X: 2}, {X: 3}}
	for _, pos := range positions {
		c.ReceiveTile(tiletest.Snapshot(pos, 1, 5, 3))
	}

	var quiet, backfilled tiletest.CacheListener
	c.AddListener(&quiet, false)
	c.AddListener(&backfilled, true)
	require.Empty(t, quiet.Events())
	require.Len(t, backfilled.Events(), 3)
	for _, e := range backfilled.Events() {
		require.Equal(t, tiletest.Added, e.Kind)
	}

	require.Panics(t, func() { c.AddListener(&quiet, false) })

	c.RemoveListener(&backfilled, true)
	events := backfilled.Events()[3:]
	require.Len(t, events, 3)
	for _, e := range events {
		require.Equal(t, tiletest.Removed, e.Kind)
	}
	require.Panics(t, func() { c.RemoveListener(&backfilled, false) })

	c.RemoveListener(&quiet, false)
	require.Empty(t, quiet.Events())
}

func TestStats(t *testing.T) {
	c := tilecache.New()
	c.ReceiveTile(tiletest.Snapshot(tile.Pos{X: 1}, 1, 6, 10))
	c.ReceiveTile(tiletest.Snapshot(tile.Pos{X: 2}, 1, 6, 0))

	stats := c.Stats()
	require.Equal(t, int64(2), stats.TileCount)
	require.Equal(t, int64(1), stats.TileCountWithData)
	require.Positive(t, stats.TotalSpace)
	require.Equal(t, stats.TotalSpace, stats.UncompressedSize)

	_, err := c.TryCompressExistingTile(tile.Pos{X: 1})
	require.NoError(t, err)
	require.Equal(t, stats.UncompressedSize, c.Stats().UncompressedSize)

	c.UnloadTile(tile.Pos{X: 1})
	c.UnloadTile(tile.Pos{X: 2})
	require.Equal(t, tilecache.Stats{}, c.Stats())
}

func TestClose(t *testing.T) {
	c := tilecache.New()
	var l tiletest.CacheListener
	snapshots := []*tile.Snapshot{
		tiletest.Snapshot(tile.Pos{X: 1}, 1, 7, 3),
		tiletest.Snapshot(tile.Pos{X: 2}, 1, 7, 3),
	}
	for _, s := range snapshots {
		c.ReceiveTile(s)
	}
	c.AddListener(&l, false)
	c.Close()

	require.Len(t, l.Events(), 2)
	for _, s := range snapshots {
		require.False(t, s.Live())
	}
	require.Panics(t, func() { c.GetCached(tile.Pos{X: 1}) })
	require.Panics(t, func() { c.ReceiveTile(tiletest.Snapshot(tile.Pos{}, 1, 7, 3)) })
	require.Panics(t, func() { c.Close() })
}

func TestConcurrentEventOrder(t *testing.T) {
	c := tilecache.New(tilecache.WithShards(4))
	var l tiletest.CacheListener
	c.AddListener(&l, false)

	var mu sync.Mutex
	var created []*tile.Snapshot

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 1))
			for i := range 500 {
				pos := tile.Pos{X: int32(rng.IntN(6))}
				switch rng.IntN(3) {
				case 0, 1:
					s := tiletest.Snapshot(pos, int64(i), uint64(w), 2)
					mu.Lock()
					created = append(created, s)
					mu.Unlock()
					c.ReceiveTile(s)
				case 2:
					c.UnloadTile(pos)
				}
				if i%50 == 0 {
					c.TryCompressExistingTile(pos)
				}
			}
		}()
	}
	wg.Wait()
	c.Close()

	resident := make(map[tile.Pos]bool)
	for _, e := range l.Events() {
		switch e.Kind {
		case tiletest.Added:
			require.False(t, resident[e.Pos], "added while resident: %v", e.Pos)
			resident[e.Pos] = true
		case tiletest.Modified:
			require.True(t, resident[e.Pos], "modified while absent: %v", e.Pos)
		case tiletest.Removed:
			require.True(t, resident[e.Pos], "removed while absent: %v", e.Pos)
			resident[e.Pos] = false
		}
	}
	for pos, ok := range resident {
		require.False(t, ok, "still resident after close: %v", pos)
	}
	for _, s := range created {
		require.False(t, s.Live(), "leaked snapshot %v", s)
	}
}
