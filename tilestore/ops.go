package tilestore

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/kv"
	"github.com/eak1mov/go-lodtiles/tile"
)

// Timestamp returns the timestamp of the tile at pos, or TimestampBlank.
func (s *Storage) Timestamp(pos tile.Pos) (int64, error) {
	return s.readTimestamp(kv.ColumnTimestamp, pos)
}

// DirtyTimestamp returns the dirty timestamp of the tile at pos, or TimestampBlank.
func (s *Storage) DirtyTimestamp(pos tile.Pos) (int64, error) {
	return s.readTimestamp(kv.ColumnDirtyTimestamp, pos)
}

func (s *Storage) readTimestamp(col kv.Column, pos tile.Pos) (int64, error) {
	s.check()
	key := tile.Key(pos)
	ts := TimestampBlank
	err := s.store.View(func(r kv.Reader) error {
		value, err := r.Get(col, key)
		if err != nil {
			return err
		}
		ts, err = decodeTimestamp(value)
		return err
	})
	return ts, err
}

// MultiTimestamp returns the timestamps for all positions, read from one consistent view.
func (s *Storage) MultiTimestamp(positions []tile.Pos) ([]int64, error) {
	s.check()
	keys := keys(positions)
	result := make([]int64, len(positions))
	err := s.store.View(func(r kv.Reader) error {
		values, err := r.MultiGet(kv.ColumnTimestamp, keys)
		if err != nil {
			return err
		}
		for i, value := range values {
			if result[i], err = decodeTimestamp(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Snapshot returns the current version of the tile at pos as a raw snapshot,
// or nil if the tile does not exist. The caller owns the returned reference.
func (s *Storage) Snapshot(pos tile.Pos) (*tile.Snapshot, error) {
	snapshots, err := s.MultiSnapshot([]tile.Pos{pos})
	if err != nil {
		return nil, err
	}
	return snapshots[0], nil
}

// MultiSnapshot returns snapshots for all positions, nil for absent tiles.
// Timestamps and data are read from one consistent view.
func (s *Storage) MultiSnapshot(positions []tile.Pos) ([]*tile.Snapshot, error) {
	s.check()
	keys := keys(positions)
	result := make([]*tile.Snapshot, len(positions))
	err := s.store.View(func(r kv.Reader) error {
		timestamps, err := r.MultiGet(kv.ColumnTimestamp, keys)
		if err != nil {
			return err
		}
		blocks, err := r.MultiGet(kv.ColumnData, keys)
		if err != nil {
			return err
		}

		for i, pos := range positions {
			ts, err := decodeTimestamp(timestamps[i])
			if err != nil {
				return err
			}
			if ts == TimestampBlank {
				continue
			}
			data, err := compress.Decompress(blocks[i])
			if err != nil {
				return fmt.Errorf("tile %v: %w", pos, err)
			}
			result[i] = tile.NewSnapshot(pos, ts, data)
		}
		return nil
	})
	if err != nil {
		for _, snapshot := range result {
			if snapshot != nil {
				snapshot.Release()
			}
		}
		return nil, err
	}
	return result, nil
}

// Set writes a new version of the tile at pos. The write is rejected if
// meta.Timestamp is not newer than the stored timestamp. A dirty marker not
// newer than meta.Timestamp is cleared. An empty tile deletes the data.
func (s *Storage) Set(pos tile.Pos, meta Metadata, t *tile.Tile) (bool, error) {
	applied, err := s.MultiSet([]tile.Pos{pos}, []Metadata{meta}, []*tile.Tile{t})
	if err != nil {
		return false, err
	}
	return applied.Contains(0), nil
}

// MultiSet applies Set for every position in order within one transaction.
// It returns the indices of the writes that applied.
func (s *Storage) MultiSet(positions []tile.Pos, metas []Metadata, tiles []*tile.Tile) (*roaring.Bitmap, error) {
	if len(metas) != len(positions) || len(tiles) != len(positions) {
		panic(fmt.Sprintf("lodtiles: mismatched argument lengths (%d, %d, %d)", len(positions), len(metas), len(tiles)))
	}
	data := make([][]byte, len(tiles))
	for i, t := range tiles {
		encoded, err := t.AppendBinary(nil)
		if err != nil {
			return nil, err
		}
		data[i] = encoded
	}
	return s.multiSetData(positions, metas, data)
}

// SetData is like Set, but takes the tile already encoded.
func (s *Storage) SetData(pos tile.Pos, meta Metadata, data []byte) (bool, error) {
	applied, err := s.multiSetData([]tile.Pos{pos}, []Metadata{meta}, [][]byte{data})
	if err != nil {
		return false, err
	}
	return applied.Contains(0), nil
}

func (s *Storage) multiSetData(positions []tile.Pos, metas []Metadata, data [][]byte) (*roaring.Bitmap, error) {
	blocks := make([][]byte, len(data))
	for i, d := range data {
		block, err := compress.Compress(d, s.compression)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
	}

	applied, changed, err := s.update(positions, func(i int, r *record) bool {
		return r.applySet(metas[i].Timestamp, blocks[i])
	})
	if err != nil {
		return nil, err
	}
	s.notifyChanged(changed)
	return applied, nil
}

// MarkDirty marks the existing tile at pos as stale. The marker is rejected if
// the tile does not exist or dirty is not newer than both its timestamp and its
// current dirty timestamp.
func (s *Storage) MarkDirty(pos tile.Pos, dirty int64) (bool, error) {
	applied, err := s.MultiMarkDirty([]tile.Pos{pos}, []int64{dirty})
	if err != nil {
		return false, err
	}
	return applied.Contains(0), nil
}

func (s *Storage) MultiMarkDirty(positions []tile.Pos, dirties []int64) (*roaring.Bitmap, error) {
	if len(dirties) != len(positions) {
		panic(fmt.Sprintf("lodtiles: mismatched argument lengths (%d, %d)", len(positions), len(dirties)))
	}
	applied, changed, err := s.update(positions, func(i int, r *record) bool {
		return r.applyMarkDirty(dirties[i])
	})
	if err != nil {
		return nil, err
	}
	s.notifyDirty(changed)
	return applied, nil
}

// ClearDirty removes the dirty marker at pos, if any.
func (s *Storage) ClearDirty(pos tile.Pos) (bool, error) {
	applied, err := s.MultiClearDirty([]tile.Pos{pos})
	if err != nil {
		return false, err
	}
	return applied.Contains(0), nil
}

func (s *Storage) MultiClearDirty(positions []tile.Pos) (*roaring.Bitmap, error) {
	applied, _, err := s.update(positions, func(_ int, r *record) bool {
		return r.applyClearDirty()
	})
	return applied, err
}

// Clear deletes all tiles, including timestamps and dirty markers.
func (s *Storage) Clear() error {
	s.check()
	s.logger.Debug("lodtiles: clearing tile storage")
	return s.store.Clear()
}

// VisitTiles visits all stored tiles in key order with their raw encoded data.
func (s *Storage) VisitTiles(visitor func(tile.Pos, tile.Entry) error) error {
	s.check()
	return s.store.View(func(r kv.Reader) error {
		return r.Scan(kv.ColumnTimestamp, func(key, value []byte) error {
			pos, err := tile.DecodeKey(key)
			if err != nil {
				return err
			}
			ts, err := decodeTimestamp(value)
			if err != nil {
				return err
			}
			block, err := r.Get(kv.ColumnData, key)
			if err != nil {
				return err
			}
			data, err := compress.Decompress(block)
			if err != nil {
				return fmt.Errorf("tile %v: %w", pos, err)
			}
			return visitor(pos, tile.Entry{Timestamp: ts, Data: data})
		})
	})
}

// WriteTile stores an encoded tile version. Stale versions are skipped silently.
func (s *Storage) WriteTile(pos tile.Pos, entry tile.Entry) error {
	_, err := s.SetData(pos, Metadata{Timestamp: entry.Timestamp}, entry.Data)
	return err
}

// Finalize implements tile.Writer. Writes are committed immediately.
func (s *Storage) Finalize() error {
	return nil
}

// keys encodes positions before a transaction starts, so that an invalid
// position panics without leaving the transaction open.
func keys(positions []tile.Pos) [][]byte {
	result := make([][]byte, len(positions))
	for i, pos := range positions {
		result[i] = tile.Key(pos)
	}
	return result
}
