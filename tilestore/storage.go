// Package tilestore provides durable, versioned tile storage with optimistic
// concurrency and dirty tracking on top of a kv.Store.
//
// Every position has three independently stored fields: the timestamp of the
// last accepted write, an optional dirty timestamp marking the tile as stale,
// and the encoded tile data (absent data means an empty tile).
// Rejected writes are reported as false results, never as errors.
package tilestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/kv"
	"github.com/eak1mov/go-lodtiles/tile"
)

// TimestampBlank is returned for positions that have no value.
// It is distinct from every valid timestamp.
const TimestampBlank int64 = math.MinInt64

var errCorruptedTimestamp = errors.New("corrupted timestamp")

// Metadata describes a tile write.
type Metadata struct {
	Timestamp int64
}

// Listener receives notifications about applied changes.
// Callbacks run after the transaction commits, on the writer's goroutine.
type Listener interface {
	TilesChanged(positions []tile.Pos)
	TilesDirty(positions []tile.Pos)
}

type Storage struct {
	store       kv.Store
	compression compress.Compression
	logger      *slog.Logger

	listenersMu sync.Mutex
	listeners   atomic.Pointer[[]Listener]

	handlesMu sync.Mutex
	handles   map[tile.Pos]weak.Pointer[Handle]

	closed atomic.Bool
}

type config struct {
	Compression compress.Compression
	Logger      *slog.Logger
}

type Option func(*config)

// WithCompression sets the codec for the data column. Defaults to zstd.
func WithCompression(compression compress.Compression) Option {
	return func(c *config) { c.Compression = compression }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

// New creates a Storage over store. The Storage owns store and closes it on Close.
func New(store kv.Store, opts ...Option) *Storage {
	config := config{
		Compression: compress.Zstd,
		Logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	s := &Storage{
		store:       store,
		compression: config.Compression,
		logger:      config.Logger,
		handles:     make(map[tile.Pos]weak.Pointer[Handle]),
	}
	s.listeners.Store(&[]Listener{})
	return s
}

func (s *Storage) check() {
	if s.closed.Load() {
		panic("lodtiles: storage used after close")
	}
}

// Close closes the underlying store. The Storage must not be used afterwards.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		panic("lodtiles: storage closed twice")
	}
	s.logger.Debug("lodtiles: closing tile storage")
	return s.store.Close()
}

func (s *Storage) AddListener(l Listener) {
	s.check()
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	old := *s.listeners.Load()
	if slices.Contains(old, l) {
		panic("lodtiles: storage listener added twice")
	}
	updated := append(slices.Clip(old), l)
	s.listeners.Store(&updated)
}

func (s *Storage) RemoveListener(l Listener) {
	s.check()
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	old := *s.listeners.Load()
	i := slices.Index(old, l)
	if i < 0 {
		panic("lodtiles: removing unknown storage listener")
	}
	updated := slices.Delete(slices.Clone(old), i, i+1)
	s.listeners.Store(&updated)
}

func (s *Storage) notifyChanged(positions []tile.Pos) {
	if len(positions) == 0 {
		return
	}
	for _, l := range *s.listeners.Load() {
		l.TilesChanged(positions)
	}
}

func (s *Storage) notifyDirty(positions []tile.Pos) {
	if len(positions) == 0 {
		return
	}
	for _, l := range *s.listeners.Load() {
		l.TilesDirty(positions)
	}
}

// Handle returns the handle for pos. While a handle is reachable, the same
// instance is returned for the same position.
// It panics if pos.Level is out of range.
func (s *Storage) Handle(pos tile.Pos) *Handle {
	s.check()
	if !pos.LevelValid() {
		panic(fmt.Sprintf("lodtiles: tile level out of range: %v", pos))
	}
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	if wp, ok := s.handles[pos]; ok {
		if h := wp.Value(); h != nil {
			return h
		}
	}

	h := &Handle{storage: s, pos: pos}
	s.handles[pos] = weak.Make(h)
	runtime.AddCleanup(h, s.dropHandle, pos)
	return h
}

func (s *Storage) dropHandle(pos tile.Pos) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	if wp, ok := s.handles[pos]; ok && wp.Value() == nil {
		delete(s.handles, pos)
	}
}

func encodeTimestamp(ts int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(ts))
}

func decodeTimestamp(value []byte) (int64, error) {
	if value == nil {
		return TimestampBlank, nil
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("%w: length %d", errCorruptedTimestamp, len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// record is the mutable per-position state inside one transaction.
type record struct {
	key       []byte
	timestamp int64
	dirty     int64

	dirtyPresent bool
	tsChanged    bool
	dirtyChanged bool
	data         []byte
	dataChanged  bool
}

// applySet applies the write rules for a new tile version.
func (r *record) applySet(ts int64, data []byte) bool {
	if ts <= r.timestamp {
		return false
	}
	r.timestamp, r.tsChanged = ts, true
	if r.dirtyPresent && ts >= r.dirty {
		r.dirty, r.dirtyPresent, r.dirtyChanged = TimestampBlank, false, true
	}
	r.data, r.dataChanged = data, true
	return true
}

func (r *record) applyMarkDirty(dirty int64) bool {
	if r.timestamp == TimestampBlank || dirty <= r.timestamp || dirty <= r.dirty {
		return false
	}
	r.dirty, r.dirtyPresent, r.dirtyChanged = dirty, true, true
	return true
}

func (r *record) applyClearDirty() bool {
	if !r.dirtyPresent {
		return false
	}
	r.dirty, r.dirtyPresent, r.dirtyChanged = TimestampBlank, false, true
	return true
}

func (r *record) write(tx kv.Txn) error {
	if r.tsChanged {
		if err := tx.Put(kv.ColumnTimestamp, r.key, encodeTimestamp(r.timestamp)); err != nil {
			return err
		}
	}
	if r.dirtyChanged {
		var err error
		if r.dirtyPresent {
			err = tx.Put(kv.ColumnDirtyTimestamp, r.key, encodeTimestamp(r.dirty))
		} else {
			err = tx.Delete(kv.ColumnDirtyTimestamp, r.key)
		}
		if err != nil {
			return err
		}
	}
	if r.dataChanged {
		if len(r.data) == 0 {
			return tx.Delete(kv.ColumnData, r.key)
		}
		return tx.Put(kv.ColumnData, r.key, r.data)
	}
	return nil
}

// loadRecords reads the timestamp columns for the distinct positions in one batch.
func loadRecords(tx kv.Reader, positions []tile.Pos, positionKeys [][]byte) (map[tile.Pos]*record, error) {
	records := make(map[tile.Pos]*record, len(positions))
	var keys [][]byte
	var order []tile.Pos
	for i, pos := range positions {
		if _, ok := records[pos]; ok {
			continue
		}
		r := &record{key: positionKeys[i]}
		records[pos] = r
		keys = append(keys, r.key)
		order = append(order, pos)
	}

	timestamps, err := tx.MultiGet(kv.ColumnTimestamp, keys)
	if err != nil {
		return nil, err
	}
	dirties, err := tx.MultiGet(kv.ColumnDirtyTimestamp, keys)
	if err != nil {
		return nil, err
	}

	for i, pos := range order {
		r := records[pos]
		if r.timestamp, err = decodeTimestamp(timestamps[i]); err != nil {
			return nil, err
		}
		if r.dirty, err = decodeTimestamp(dirties[i]); err != nil {
			return nil, err
		}
		r.dirtyPresent = dirties[i] != nil
	}
	return records, nil
}

// update runs apply for every position in order inside one transaction and
// returns the indices for which it applied together with the distinct changed positions.
func (s *Storage) update(positions []tile.Pos, apply func(i int, r *record) bool) (*roaring.Bitmap, []tile.Pos, error) {
	s.check()
	positionKeys := keys(positions)
	applied := roaring.New()
	var changed []tile.Pos

	err := s.store.Update(func(tx kv.Txn) error {
		applied.Clear()
		changed = changed[:0]

		records, err := loadRecords(tx, positions, positionKeys)
		if err != nil {
			return err
		}

		touched := make(map[tile.Pos]bool)
		for i, pos := range positions {
			if apply(i, records[pos]) {
				applied.Add(uint32(i))
				if !touched[pos] {
					touched[pos] = true
					changed = append(changed, pos)
				}
			}
		}

		for _, pos := range changed {
			if err := records[pos].write(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return applied, changed, nil
}
