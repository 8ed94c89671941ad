package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"slices"

	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/google/subcommands"
)

type levelStats struct {
	tiles  int
	empty  int
	voxels int
	bytes  int
	newest int64
}

type statsCmd struct{}

func (c *statsCmd) Name() string             { return "stats" }
func (c *statsCmd) Synopsis() string         { return "print per-level tile statistics" }
func (c *statsCmd) Usage() string            { return "lodtiles stats\n" }
func (c *statsCmd) SetFlags(_ *flag.FlagSet) {}

func (c *statsCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)

	storage, err := openStorage(e)
	if err != nil {
		e.logger.Error("lodtiles: failed to open storage", "error", err)
		return subcommands.ExitFailure
	}
	defer storage.Close()

	levels := make(map[int32]*levelStats)
	t := tile.NewTile()
	err = storage.VisitTiles(func(pos tile.Pos, entry tile.Entry) error {
		s, ok := levels[pos.Level]
		if !ok {
			s = &levelStats{newest: entry.Timestamp}
			levels[pos.Level] = s
		}
		s.tiles++
		s.bytes += len(entry.Data)
		s.newest = max(s.newest, entry.Timestamp)
		if err := t.UnmarshalBinary(entry.Data); err != nil {
			return fmt.Errorf("tile %v: %w", pos, err)
		}
		if t.Empty() {
			s.empty++
		}
		s.voxels += t.Len()
		return nil
	})
	if err != nil {
		e.logger.Error("lodtiles: stats failed", "error", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("%5s %10s %10s %12s %12s %20s\n", "level", "tiles", "empty", "voxels", "bytes", "newest")
	for _, level := range slices.Sorted(maps.Keys(levels)) {
		s := levels[level]
		fmt.Printf("%5d %10d %10d %12d %12d %20d\n", level, s.tiles, s.empty, s.voxels, s.bytes, s.newest)
	}

	return subcommands.ExitSuccess
}
