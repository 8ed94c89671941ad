package bake

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/eak1mov/go-lodtiles/scheduler"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/eak1mov/go-lodtiles/tilecache"
	"golang.org/x/sync/semaphore"
)

// Stats are advisory counters.
type Stats struct {
	Baked     int64 // outputs with geometry
	Empty     int64 // positions baked to nothing
	Flushes   int64
	Pending   int64 // unflushed data updates
	Scheduler scheduler.Stats
}

// Manager bakes outputs for cached tiles and flushes them to a Consumer.
//
// Bake results wait in a pending map until the next flush. Publishing a result
// takes one of MaxPendingUpdates permits and blocks while none are left; a
// completed flush returns the permits of everything it drained.
type Manager struct {
	cache    *tilecache.Cache
	strategy Strategy
	consumer Consumer
	executor Executor
	limits   tile.Limits
	logger   *slog.Logger

	pool      tile.Pool
	scheduler *scheduler.Scheduler[tile.Pos]
	permits   *semaphore.Weighted

	pendingMu         sync.Mutex
	pendingData       map[tile.Pos]Output // nil output is a tombstone
	pendingRenderable map[tile.Pos]bool
	held              int64 // permits taken since the last flush

	flushMu     sync.Mutex // held while a flush runs
	flushQueued atomic.Bool
	closed      atomic.Bool

	baked   atomic.Int64
	empty   atomic.Int64
	flushes atomic.Int64
}

type config struct {
	Workers           int
	MaxPendingUpdates int64
	Limits            tile.Limits
	Logger            *slog.Logger
}

type Option func(*config)

// WithWorkers sets the number of bake goroutines. Defaults to 2.
func WithWorkers(n int) Option {
	return func(c *config) { c.Workers = n }
}

// WithMaxPendingUpdates bounds the number of unflushed results. Defaults to 256.
func WithMaxPendingUpdates(n int64) Option {
	return func(c *config) { c.MaxPendingUpdates = n }
}

// WithLimits sets the region in which positions may become renderable.
func WithLimits(limits tile.Limits) Option {
	return func(c *config) { c.Limits = limits }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

// NewManager starts baking for cache. It subscribes to the cache and schedules
// bakes for all tiles that are already resident.
func NewManager(cache *tilecache.Cache, strategy Strategy, consumer Consumer, executor Executor, opts ...Option) *Manager {
	config := config{
		Workers:           2,
		MaxPendingUpdates: 256,
		Limits: tile.Limits{
			Min: [3]int32{-1 << 31, -1 << 31, -1 << 31},
			Max: [3]int32{1<<31 - 1, 1<<31 - 1, 1<<31 - 1},
		},
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.MaxPendingUpdates <= 0 {
		panic(fmt.Sprintf("lodtiles: invalid pending update limit %d", config.MaxPendingUpdates))
	}

	m := &Manager{
		cache:             cache,
		strategy:          strategy,
		consumer:          consumer,
		executor:          executor,
		limits:            config.Limits,
		logger:            config.Logger,
		permits:           semaphore.NewWeighted(config.MaxPendingUpdates),
		pendingData:       make(map[tile.Pos]Output),
		pendingRenderable: make(map[tile.Pos]bool),
	}
	m.scheduler = scheduler.New(config.Workers, m.bake, scheduler.WithLogger(config.Logger))
	cache.AddListener(m, true)
	return m
}

func (m *Manager) TileAdded(s *tile.Snapshot) {
	m.notifyOutputs(s.Pos())
}

func (m *Manager) TileModified(s *tile.Snapshot) {
	m.notifyOutputs(s.Pos())
}

func (m *Manager) TileRemoved(pos tile.Pos) {
	m.notifyOutputs(pos)
}

func (m *Manager) notifyOutputs(pos tile.Pos) {
	for _, out := range m.strategy.BakeOutputs(pos) {
		if out.LevelValid() {
			m.scheduler.Schedule(out)
		}
	}
}

// bake runs on a scheduler worker, never concurrently for the same position.
func (m *Manager) bake(ctx context.Context, pos tile.Pos) error {
	m.checkSelfRenderable(pos)
	m.checkParentsRenderable(pos)

	inputs := m.strategy.BakeInputs(pos)
	primary := slices.Index(inputs, pos)
	if primary < 0 {
		return fmt.Errorf("bake inputs for %v don't include the tile itself: %v", pos, inputs)
	}

	snapshots := m.cache.GetManyCached(inputs)
	defer func() {
		for _, s := range snapshots {
			if s != nil {
				s.Release()
			}
		}
	}()

	if snapshots[primary] == nil || snapshots[primary].Empty() {
		m.empty.Add(1)
		return m.updateData(ctx, pos, nil)
	}

	tiles := make([]*tile.Tile, len(snapshots))
	defer func() {
		for _, t := range tiles {
			if t != nil {
				m.pool.Release(t)
			}
		}
	}()
	for i, s := range snapshots {
		if s == nil {
			continue
		}
		t, err := s.LoadTile(&m.pool)
		if err != nil {
			return err
		}
		tiles[i] = t
	}

	if err := m.bakeOutput(ctx, pos, tiles); err != nil {
		return err
	}

	if _, err := m.cache.TryCompressExistingTile(pos); err != nil {
		m.logger.Warn("lodtiles: failed to compress baked tile", "pos", pos, "error", err)
	}
	return nil
}

func (m *Manager) bakeOutput(ctx context.Context, pos tile.Pos, tiles []*tile.Tile) error {
	out := m.strategy.NewOutput()
	owned := true
	defer func() {
		if owned {
			out.Release()
		}
	}()

	if err := m.strategy.Bake(pos, tiles, out); err != nil {
		return fmt.Errorf("bake %v: %w", pos, err)
	}

	if out.Empty() {
		m.empty.Add(1)
		return m.updateData(ctx, pos, nil)
	}
	m.baked.Add(1)
	owned = false
	return m.updateData(ctx, pos, out)
}

// checkSelfRenderable marks pos renderable if it is resident and, above level 0,
// some of the more detailed tiles around it are missing. Positions outside the
// limits are always hidden.
func (m *Manager) checkSelfRenderable(pos tile.Pos) {
	if !m.limits.Contains(pos) {
		m.updateRenderable(pos, false)
		return
	}
	renderable := m.cache.Contains(pos)
	if renderable && pos.Level > 0 {
		renderable = false
		for p := range pos.Down().PositionsInBB(1, 3) {
			if m.limits.Contains(p) && !m.cache.Contains(p) {
				renderable = true
				break
			}
		}
	}
	m.updateRenderable(pos, renderable)
}

func (m *Manager) checkParentsRenderable(pos tile.Pos) {
	if !pos.Up().LevelValid() {
		return
	}
	for p := range pos.Up().PositionsInBB(1, 1) {
		m.checkSelfRenderable(p)
	}
}

// updateData publishes out for pos, taking ownership of it. It blocks until a
// pending update permit is available.
func (m *Manager) updateData(ctx context.Context, pos tile.Pos, out Output) error {
	if err := m.permits.Acquire(ctx, 1); err != nil {
		if out != nil {
			out.Release()
		}
		return err
	}

	m.pendingMu.Lock()
	if old := m.pendingData[pos]; old != nil {
		old.Release()
	}
	m.pendingData[pos] = out
	m.held++
	m.pendingMu.Unlock()

	m.enqueueFlush()
	return nil
}

func (m *Manager) updateRenderable(pos tile.Pos, renderable bool) {
	m.pendingMu.Lock()
	m.pendingRenderable[pos] = renderable
	m.pendingMu.Unlock()

	m.enqueueFlush()
}

func (m *Manager) enqueueFlush() {
	if m.flushQueued.CompareAndSwap(false, true) {
		m.executor.Execute(m.flush)
	}
}

func (m *Manager) drain() (map[tile.Pos]Output, map[tile.Pos]bool, int64) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	data, renderable, held := m.pendingData, m.pendingRenderable, m.held
	m.pendingData = make(map[tile.Pos]Output)
	m.pendingRenderable = make(map[tile.Pos]bool)
	m.held = 0
	return data, renderable, held
}

// flush runs on the executor. Data updates are applied before renderability.
func (m *Manager) flush() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.closed.Load() {
		return
	}

	data, renderable, held := m.drain()
	if len(data) > 0 {
		if err := m.consumer.Update(data); err != nil {
			m.logger.Warn("lodtiles: failed to apply bake outputs", "count", len(data), "error", err)
		}
	}
	if len(renderable) > 0 {
		var hidden, shown []tile.Pos
		for pos, ok := range renderable {
			if ok {
				shown = append(shown, pos)
			} else {
				hidden = append(hidden, pos)
			}
		}
		slices.SortFunc(hidden, tile.Pos.Compare)
		slices.SortFunc(shown, tile.Pos.Compare)
		if err := m.consumer.RenderableChanged(hidden, shown); err != nil {
			m.logger.Warn("lodtiles: failed to apply renderability", "count", len(renderable), "error", err)
		}
	}
	m.permits.Release(held)
	m.flushes.Add(1)

	if m.closed.Load() {
		return
	}
	m.flushQueued.Store(false)
	if m.hasPending() {
		m.enqueueFlush()
	}
}

func (m *Manager) hasPending() bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pendingData) > 0 || len(m.pendingRenderable) > 0
}

// PendingUpdates returns the number of unflushed data updates.
func (m *Manager) PendingUpdates() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pendingData)
}

func (m *Manager) Stats() Stats {
	return Stats{
		Baked:     m.baked.Load(),
		Empty:     m.empty.Load(),
		Flushes:   m.flushes.Load(),
		Pending:   int64(m.PendingUpdates()),
		Scheduler: m.scheduler.Stats(),
	}
}

// Close unsubscribes from the cache, stops flushing, waits for running bakes
// and for a flush already in progress, then releases all unflushed outputs.
// It must be called before the cache is closed, and not from a Consumer callback.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		panic("lodtiles: bake manager closed twice")
	}
	m.cache.RemoveListener(m, false)
	m.flushQueued.Store(true)

	err := m.scheduler.Close()

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	data, _, _ := m.drain()
	for _, out := range data {
		if out != nil {
			out.Release()
		}
	}
	m.logger.Debug("lodtiles: bake manager closed", "released", len(data))
	return err
}
