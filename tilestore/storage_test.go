package tilestore_test

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/internal/tiletest"
	"github.com/eak1mov/go-lodtiles/kv/ldb"
	"github.com/eak1mov/go-lodtiles/kv/sqlite"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/eak1mov/go-lodtiles/tilestore"
	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newLevelDB(t *testing.T, opts ...tilestore.Option) *tilestore.Storage {
	store, err := ldb.OpenMemory()
	require.NoError(t, err)
	s := tilestore.New(store, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLite(t *testing.T, opts ...tilestore.Option) *tilestore.Storage {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tiles.sqlite"))
	require.NoError(t, err)
	s := tilestore.New(store, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachBackend(t *testing.T, test func(t *testing.T, s *tilestore.Storage)) {
	for name, open := range map[string]func(*testing.T, ...tilestore.Option) *tilestore.Storage{
		"leveldb": newLevelDB,
		"sqlite":  newSQLite,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			test(t, open(t))
		})
	}
}

func tileData(t *testing.T, tl *tile.Tile) []byte {
	data, err := tl.AppendBinary(nil)
	require.NoError(t, err)
	return data
}

func requireSnapshot(t *testing.T, s *tilestore.Storage, pos tile.Pos, ts int64, data []byte) {
	t.Helper()
	snap, err := s.Snapshot(pos)
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Release()
	require.Equal(t, ts, snap.Timestamp())
	got, err := snap.Data()
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		rng := rand.New(rand.NewPCG(1, 2))
		pos := tile.Pos{}
		tileA := tiletest.RandomTile(rng, 20)
		tileB := tiletest.RandomTile(rng, 30)

		snap, err := s.Snapshot(pos)
		require.NoError(t, err)
		require.Nil(t, snap)
		ts, err := s.Timestamp(pos)
		require.NoError(t, err)
		require.Equal(t, tilestore.TimestampBlank, ts)

		applied, err := s.Set(pos, tilestore.Metadata{Timestamp: 5}, tileA)
		require.NoError(t, err)
		require.True(t, applied)

		applied, err = s.MarkDirty(pos, 6)
		require.NoError(t, err)
		require.True(t, applied)

		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 3}, tileB)
		require.NoError(t, err)
		require.False(t, applied)
		requireSnapshot(t, s, pos, 5, tileData(t, tileA))

		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 5}, tileB)
		require.NoError(t, err)
		require.False(t, applied)

		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 7}, tileB)
		require.NoError(t, err)
		require.True(t, applied)
		requireSnapshot(t, s, pos, 7, tileData(t, tileB))

		dirty, err := s.DirtyTimestamp(pos)
		require.NoError(t, err)
		require.Equal(t, tilestore.TimestampBlank, dirty)
	})
}

func TestDirtyRules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		pos := tile.Pos{Level: 2, X: -1, Y: 3, Z: 9}

		applied, err := s.MarkDirty(pos, 10)
		require.NoError(t, err)
		require.False(t, applied, "marking a missing tile dirty")

		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 10}, tile.NewTile())
		require.NoError(t, err)
		require.True(t, applied)

		for _, tc := range []struct {
			dirty int64
			want  bool
		}{
			{9, false},
			{10, false},
			{15, true},
			{15, false},
			{12, false},
			{20, true},
		} {
			applied, err := s.MarkDirty(pos, tc.dirty)
			require.NoError(t, err)
			require.Equal(t, tc.want, applied, "MarkDirty(%d)", tc.dirty)
		}

		dirty, err := s.DirtyTimestamp(pos)
		require.NoError(t, err)
		require.Equal(t, int64(20), dirty)

		// a write older than the dirty marker keeps it
		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 11}, tile.NewTile())
		require.NoError(t, err)
		require.True(t, applied)
		dirty, err = s.DirtyTimestamp(pos)
		require.NoError(t, err)
		require.Equal(t, int64(20), dirty)

		applied, err = s.ClearDirty(pos)
		require.NoError(t, err)
		require.True(t, applied)
		applied, err = s.ClearDirty(pos)
		require.NoError(t, err)
		require.False(t, applied)

		applied, err = s.MarkDirty(pos, 12)
		require.NoError(t, err)
		require.True(t, applied)
		applied, err = s.Set(pos, tilestore.Metadata{Timestamp: 12}, tile.NewTile())
		require.NoError(t, err)
		require.True(t, applied)
		dirty, err = s.DirtyTimestamp(pos)
		require.NoError(t, err)
		require.Equal(t, tilestore.TimestampBlank, dirty)
	})
}

func TestEmptyTileDeletesData(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		rng := rand.New(rand.NewPCG(3, 4))
		pos := tile.Pos{X: 1}
		_, err := s.Set(pos, tilestore.Metadata{Timestamp: 1}, tiletest.RandomTile(rng, 10))
		require.NoError(t, err)
		_, err = s.Set(pos, tilestore.Metadata{Timestamp: 2}, tile.NewTile())
		require.NoError(t, err)

		snap, err := s.Snapshot(pos)
		require.NoError(t, err)
		require.NotNil(t, snap)
		require.True(t, snap.Empty())
		require.Equal(t, int64(2), snap.Timestamp())
		snap.Release()
	})
}

func TestListeners(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		var l tiletest.StorageListener
		s.AddListener(&l)
		require.Panics(t, func() { s.AddListener(&l) })

		a, b := tile.Pos{X: 1}, tile.Pos{X: 2}
		applied, err := s.MultiSet(
			[]tile.Pos{a, b, a},
			[]tilestore.Metadata{{Timestamp: 1}, {Timestamp: 1}, {Timestamp: 1}},
			[]*tile.Tile{tile.NewTile(), tile.NewTile(), tile.NewTile()})
		require.NoError(t, err)
		require.Equal(t, []uint32{0, 1}, applied.ToArray())
		require.Equal(t, [][]tile.Pos{{a, b}}, l.Changed)

		_, err = s.Set(a, tilestore.Metadata{Timestamp: 1}, tile.NewTile())
		require.NoError(t, err)
		require.Len(t, l.Changed, 1, "rejected write notified listeners")

		_, err = s.MultiMarkDirty([]tile.Pos{a, b, {X: 3}}, []int64{5, 0, 5})
		require.NoError(t, err)
		require.Equal(t, [][]tile.Pos{{a}}, l.Dirty)

		s.RemoveListener(&l)
		require.Panics(t, func() { s.RemoveListener(&l) })
		_, err = s.Set(a, tilestore.Metadata{Timestamp: 9}, tile.NewTile())
		require.NoError(t, err)
		require.Len(t, l.Changed, 1)
	})
}

type state struct {
	Timestamp int64
	Dirty     int64
	Data      []byte
}

func dumpState(t *testing.T, s *tilestore.Storage, universe []tile.Pos) map[tile.Pos]state {
	t.Helper()
	result := make(map[tile.Pos]state)
	snapshots, err := s.MultiSnapshot(universe)
	require.NoError(t, err)
	for i, pos := range universe {
		dirty, err := s.DirtyTimestamp(pos)
		require.NoError(t, err)
		st := state{Timestamp: tilestore.TimestampBlank, Dirty: dirty}
		if snap := snapshots[i]; snap != nil {
			st.Timestamp = snap.Timestamp()
			st.Data, err = snap.Data()
			require.NoError(t, err)
			snap.Release()
		}
		result[pos] = st
	}
	return result
}

func TestBulkSingleEquivalence(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	universe := make([]tile.Pos, 6)
	for i := range universe {
		universe[i] = tile.Pos{Level: int32(i % 2), X: int32(i)}
	}
	tiles := make([]*tile.Tile, 4)
	for i := range tiles {
		tiles[i] = tiletest.RandomTile(rng, i*5)
	}

	for round := range 20 {
		single := newLevelDB(t, tilestore.WithCompression(compress.LZ4))
		bulk := newSQLite(t)

		for range 6 {
			n := 1 + rng.IntN(8)
			positions := make([]tile.Pos, n)
			timestamps := make([]int64, n)
			chosen := make([]*tile.Tile, n)
			for i := range n {
				positions[i] = universe[rng.IntN(len(universe))]
				timestamps[i] = int64(rng.IntN(10))
				chosen[i] = tiles[rng.IntN(len(tiles))]
			}

			var want []bool
			var bulkApplied []uint32
			switch op := rng.IntN(3); op {
			case 0:
				metas := make([]tilestore.Metadata, n)
				for i := range n {
					metas[i] = tilestore.Metadata{Timestamp: timestamps[i]}
					applied, err := single.Set(positions[i], metas[i], chosen[i])
					require.NoError(t, err)
					want = append(want, applied)
				}
				applied, err := bulk.MultiSet(positions, metas, chosen)
				require.NoError(t, err)
				bulkApplied = applied.ToArray()
			case 1:
				for i := range n {
					applied, err := single.MarkDirty(positions[i], timestamps[i])
					require.NoError(t, err)
					want = append(want, applied)
				}
				applied, err := bulk.MultiMarkDirty(positions, timestamps)
				require.NoError(t, err)
				bulkApplied = applied.ToArray()
			case 2:
				for i := range n {
					applied, err := single.ClearDirty(positions[i])
					require.NoError(t, err)
					want = append(want, applied)
				}
				applied, err := bulk.MultiClearDirty(positions)
				require.NoError(t, err)
				bulkApplied = applied.ToArray()
			}

			var wantApplied []uint32
			for i, ok := range want {
				if ok {
					wantApplied = append(wantApplied, uint32(i))
				}
			}
			if diff := cmp.Diff(wantApplied, bulkApplied, cmp.Comparer(func(a, b []uint32) bool {
				return len(a) == len(b) && (len(a) == 0 || cmp.Equal(a, b))
			})); diff != "" {
				t.Fatalf("round %d: applied mismatch (-single+bulk):\n%v", round, diff)
			}
		}

		if diff := cmp.Diff(dumpState(t, single, universe), dumpState(t, bulk, universe)); diff != "" {
			t.Fatalf("round %d: state mismatch (-single+bulk):\n%v", round, diff)
		}
	}
}

func TestMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	pos := tile.Pos{Y: 4}
	older, newer := tiletest.RandomTile(rng, 3), tiletest.RandomTile(rng, 9)

	forward := newLevelDB(t)
	_, err := forward.Set(pos, tilestore.Metadata{Timestamp: 1}, older)
	require.NoError(t, err)
	_, err = forward.Set(pos, tilestore.Metadata{Timestamp: 2}, newer)
	require.NoError(t, err)

	backward := newLevelDB(t)
	_, err = backward.Set(pos, tilestore.Metadata{Timestamp: 2}, newer)
	require.NoError(t, err)
	_, err = backward.Set(pos, tilestore.Metadata{Timestamp: 1}, older)
	require.NoError(t, err)

	only := newLevelDB(t)
	_, err = only.Set(pos, tilestore.Metadata{Timestamp: 2}, newer)
	require.NoError(t, err)

	universe := []tile.Pos{pos}
	want := dumpState(t, only, universe)
	require.Equal(t, want, dumpState(t, forward, universe))
	require.Equal(t, want, dumpState(t, backward, universe))
}

func TestVisitAndWriteTiles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		rng := rand.New(rand.NewPCG(9, 10))
		want := make(map[tile.Pos]tile.Entry)
		for i := range 10 {
			pos := tile.Pos{Level: int32(i % 3), X: int32(i), Z: -int32(i)}
			entry := tile.Entry{Timestamp: int64(100 + i), Data: tileData(t, tiletest.RandomTile(rng, i))}
			if len(entry.Data) == 0 {
				entry.Data = nil
			}
			require.NoError(t, s.WriteTile(pos, entry))
			want[pos] = entry
		}
		require.NoError(t, s.Finalize())

		got := make(map[tile.Pos]tile.Entry)
		for pos, entry := range tile.IterTiles(s) {
			got[pos] = entry
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("VisitTiles mismatch (-want+got):\n%v", diff)
		}

		require.NoError(t, s.Clear())
		for range tile.IterTiles(s) {
			t.Fatalf("tiles left after Clear")
		}
	})
}

func TestMultiTimestamp(t *testing.T) {
	s := newLevelDB(t)
	a, b := tile.Pos{X: 1}, tile.Pos{X: 2}
	_, err := s.Set(b, tilestore.Metadata{Timestamp: 0}, tile.NewTile())
	require.NoError(t, err)
	got, err := s.MultiTimestamp([]tile.Pos{a, b})
	require.NoError(t, err)
	require.Equal(t, []int64{tilestore.TimestampBlank, 0}, got)
}

func TestHandle(t *testing.T) {
	s := newLevelDB(t)
	pos := tile.Pos{Level: 1, Z: 5}
	h := s.Handle(pos)
	require.Same(t, h, s.Handle(pos))
	require.NotSame(t, h, s.Handle(tile.Pos{Level: 1, Z: 6}))
	require.Equal(t, pos, h.Pos())

	applied, err := h.Set(tilestore.Metadata{Timestamp: 3}, tile.NewTile())
	require.NoError(t, err)
	require.True(t, applied)
	ts, err := h.Timestamp()
	require.NoError(t, err)
	require.Equal(t, int64(3), ts)

	applied, err = h.MarkDirty(4)
	require.NoError(t, err)
	require.True(t, applied)
	dirty, err := s.DirtyTimestamp(pos)
	require.NoError(t, err)
	require.Equal(t, int64(4), dirty)
	dirty, err = h.DirtyTimestamp()
	require.NoError(t, err)
	require.Equal(t, int64(4), dirty)

	applied, err = h.ClearDirty()
	require.NoError(t, err)
	require.True(t, applied)

	snap, err := h.Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Timestamp())
	snap.Release()
}

func TestUseAfterClose(t *testing.T) {
	store, err := ldb.OpenMemory()
	require.NoError(t, err)
	s := tilestore.New(store)
	require.NoError(t, s.Close())
	require.Panics(t, func() { s.Timestamp(tile.Pos{}) })
	require.Panics(t, func() { s.Set(tile.Pos{}, tilestore.Metadata{}, tile.NewTile()) })
	require.Panics(t, func() { s.Handle(tile.Pos{}) })
}

func TestInvalidLevels(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *tilestore.Storage) {
		pos := tile.Pos{Level: 0, X: 1}
		applied, err := s.SetData(pos, tilestore.Metadata{Timestamp: 5}, nil)
		require.NoError(t, err)
		require.True(t, applied)

		for _, bad := range []tile.Pos{{Level: 256, X: 1}, {Level: -1}, {Level: tile.MaxLevels}} {
			require.Panics(t, func() { s.SetData(bad, tilestore.Metadata{Timestamp: 3}, nil) }, "SetData %v", bad)
			require.Panics(t, func() { s.Timestamp(bad) }, "Timestamp %v", bad)
			require.Panics(t, func() { s.MultiTimestamp([]tile.Pos{pos, bad}) }, "MultiTimestamp %v", bad)
			require.Panics(t, func() { s.MultiMarkDirty([]tile.Pos{pos, bad}, []int64{6, 6}) }, "MultiMarkDirty %v", bad)
			require.Panics(t, func() { s.Handle(bad) }, "Handle %v", bad)
		}

		ts, err := s.Timestamp(pos)
		require.NoError(t, err)
		require.Equal(t, int64(5), ts)
		dirty, err := s.DirtyTimestamp(pos)
		require.NoError(t, err)
		require.Equal(t, tilestore.TimestampBlank, dirty, "rejected bulk call left a partial write")

		var visited []tile.Pos
		require.NoError(t, s.VisitTiles(func(p tile.Pos, _ tile.Entry) error {
			visited = append(visited, p)
			return nil
		}))
		require.Equal(t, []tile.Pos{pos}, visited)

		applied, err = s.SetData(pos, tilestore.Metadata{Timestamp: 6}, nil)
		require.NoError(t, err)
		require.True(t, applied, "store unusable after a rejected call")
	})
}
