package tile_test

import (
	"testing"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/stretchr/testify/require"
)

func sampleTile() *tile.Tile {
	t := tile.NewTile()
	for i := range 40 {
		t.Set(i%tile.Size, i/tile.Size, (i*7)%tile.Size, tile.Voxel{
			Offset: [3]uint8{uint8(i), 128, 255},
			Edges:  uint8(i % 8),
			States: [3]uint16{uint16(i), 2, 3},
			Light:  uint8(i * 3),
		})
	}
	return t
}

func TestTileEncoding(t *testing.T) {
	src := sampleTile()
	data, err := src.AppendBinary(nil)
	require.NoError(t, err)

	dst := tile.NewTile()
	dst.Set(0, 0, 0, tile.Voxel{Light: 1})
	require.NoError(t, dst.UnmarshalBinary(data))
	require.Equal(t, src.Len(), dst.Len())

	for cell, v := range src.Voxels() {
		x, y, z := tile.CellCoords(cell)
		got, ok := dst.Get(x, y, z)
		require.True(t, ok, "voxel %d missing", cell)
		require.Equal(t, v, got)
	}

	again, err := dst.AppendBinary(nil)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestTileEmpty(t *testing.T) {
	empty := tile.NewTile()
	require.True(t, empty.Empty())
	data, err := empty.AppendBinary(nil)
	require.NoError(t, err)
	require.Empty(t, data)

	src := sampleTile()
	require.NoError(t, src.UnmarshalBinary(nil))
	require.True(t, src.Empty())
	_, ok := src.Get(0, 0, 0)
	require.False(t, ok)
}

func TestTileTruncated(t *testing.T) {
	data, err := sampleTile().AppendBinary(nil)
	require.NoError(t, err)
	require.Error(t, tile.NewTile().UnmarshalBinary(data[:len(data)-1]))
}

func TestTileSetOverwrite(t *testing.T) {
	tl := tile.NewTile()
	tl.Set(1, 2, 3, tile.Voxel{Light: 1})
	tl.Set(1, 2, 3, tile.Voxel{Light: 2})
	require.Equal(t, 1, tl.Len())
	v, ok := tl.Get(1, 2, 3)
	require.True(t, ok)
	require.Equal(t, uint8(2), v.Light)
	require.Panics(t, func() { tl.Set(tile.Size, 0, 0, tile.Voxel{}) })
}

func TestPool(t *testing.T) {
	var pool tile.Pool
	tl := pool.Acquire()
	require.True(t, tl.Empty())
	tl.Set(0, 0, 0, tile.Voxel{Light: 9})
	pool.Release(tl)
	require.True(t, pool.Acquire().Empty())
}

func TestSnapshot(t *testing.T) {
	pos := tile.Pos{Level: 1, X: 2, Y: 3, Z: 4}
	snap, err := tile.NewTileSnapshot(pos, 42, sampleTile())
	require.NoError(t, err)
	require.Equal(t, pos, snap.Pos())
	require.Equal(t, int64(42), snap.Timestamp())
	require.False(t, snap.Empty())
	require.False(t, snap.Compressed())

	for _, c := range []compress.Compression{compress.None, compress.Zstd, compress.LZ4} {
		compressed, err := snap.Compress(c)
		require.NoError(t, err)
		require.True(t, compressed.Compressed())
		require.Equal(t, snap.Stats().UncompressedSize, compressed.Stats().UncompressedSize)

		var pool tile.Pool
		loaded, err := compressed.LoadTile(&pool)
		require.NoError(t, err)
		require.Equal(t, sampleTile().Len(), loaded.Len())
		pool.Release(loaded)
		compressed.Release()
		require.False(t, compressed.Live())
	}

	snap.Retain()
	require.Equal(t, int32(2), snap.Refs())
	snap.Release()
	require.True(t, snap.Live())
	snap.Release()
	require.False(t, snap.Live())
	require.Panics(t, func() { snap.Pos() })
	require.Panics(t, func() { snap.Retain() })
	require.Panics(t, func() { snap.Release() })
	require.False(t, snap.TryRetain())
}
