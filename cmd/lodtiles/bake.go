package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/eak1mov/go-lodtiles/bake"
	"github.com/eak1mov/go-lodtiles/bake/heightmap"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/eak1mov/go-lodtiles/tilecache"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

// summary is a bake.Consumer that keeps the latest output per position.
type summary struct {
	outputs    map[tile.Pos]*heightmap.Output
	renderable map[tile.Pos]bool
	batches    int
}

func (s *summary) Update(outputs map[tile.Pos]bake.Output) error {
	s.batches++
	for pos, out := range outputs {
		if old, ok := s.outputs[pos]; ok {
			old.Release()
			delete(s.outputs, pos)
		}
		if out != nil {
			s.outputs[pos] = out.(*heightmap.Output)
		}
	}
	return nil
}

func (s *summary) RenderableChanged(hidden, shown []tile.Pos) error {
	for _, pos := range hidden {
		delete(s.renderable, pos)
	}
	for _, pos := range shown {
		s.renderable[pos] = true
	}
	return nil
}

func (s *summary) release() {
	for _, out := range s.outputs {
		out.Release()
	}
	clear(s.outputs)
}

type bakeCmd struct {
	pollInterval time.Duration
}

func (c *bakeCmd) Name() string     { return "bake" }
func (c *bakeCmd) Synopsis() string { return "load all tiles and bake heightmap geometry" }
func (c *bakeCmd) Usage() string {
	return "lodtiles bake [-poll <duration>]\n"
}
func (c *bakeCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.pollInterval, "poll", 50*time.Millisecond, "Idle check interval")
}

func (c *bakeCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)
	cfg := e.config

	storage, err := openStorage(e)
	if err != nil {
		e.logger.Error("lodtiles: failed to open storage", "error", err)
		return subcommands.ExitFailure
	}
	defer storage.Close()

	cache := tilecache.New(
		tilecache.WithShards(cfg.Cache.Shards),
		tilecache.WithCompression(cfg.Compression()),
		tilecache.WithLogger(e.logger),
	)
	consumer := &summary{
		outputs:    make(map[tile.Pos]*heightmap.Output),
		renderable: make(map[tile.Pos]bool),
	}
	executor := bake.NewSerialExecutor()
	manager := bake.NewManager(cache, heightmap.New(), consumer, executor,
		bake.WithWorkers(cfg.Bake.Workers),
		bake.WithMaxPendingUpdates(int64(cfg.Bake.MaxPendingUpdates)),
		bake.WithLimits(cfg.Limits()),
		bake.WithLogger(e.logger),
	)

	bar := progressbar.NewOptions(-1, progressbar.OptionShowIts(), progressbar.OptionShowCount())
	err = storage.VisitTiles(func(pos tile.Pos, entry tile.Entry) error {
		cache.ReceiveTile(tile.NewSnapshot(pos, entry.Timestamp, entry.Data))
		bar.Add(1)
		return nil
	})
	bar.Finish()
	fmt.Println()

	if err == nil {
		err = c.waitIdle(ctx, manager)
	}

	closeErr := manager.Close()
	executor.Close()
	stats := cache.Stats()
	cache.Close()
	defer consumer.release()

	if err != nil || closeErr != nil {
		e.logger.Error("lodtiles: bake failed", "error", err, "close_error", closeErr)
		return subcommands.ExitFailure
	}

	vertices, segments := 0, 0
	for _, out := range consumer.outputs {
		vertices += len(out.Vertices)
		segments += len(out.Indices) / 2
	}
	bs := manager.Stats()
	fmt.Printf("tiles:      %d (%d with data, %d bytes cached)\n", stats.TileCount, stats.TileCountWithData, stats.AllocatedSpace)
	fmt.Printf("bakes:      %d (%d empty, %d failed)\n", bs.Baked, bs.Empty, bs.Scheduler.Failed)
	fmt.Printf("flushes:    %d (%d batches delivered)\n", bs.Flushes, consumer.batches)
	fmt.Printf("outputs:    %d (%d vertices, %d segments)\n", len(consumer.outputs), vertices, segments)
	fmt.Printf("renderable: %d\n", len(consumer.renderable))

	return subcommands.ExitSuccess
}

func (c *bakeCmd) waitIdle(ctx context.Context, manager *bake.Manager) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		stats := manager.Stats()
		if stats.Scheduler.Pending == 0 && stats.Pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
