package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/eak1mov/go-lodtiles/dump"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/eak1mov/go-lodtiles/tilestore"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

type importCmd struct {
	inputPath string
	rate      float64
}

func (c *importCmd) Name() string     { return "import" }
func (c *importCmd) Synopsis() string { return "import tile versions from a dump file" }
func (c *importCmd) Usage() string {
	return "lodtiles import -i <path> [-rate <tiles per second>]\n" +
		"Versions older than the stored ones are skipped.\n"
}
func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input dump file path")
	f.Float64Var(&c.rate, "rate", 0, "Write rate limit in tiles per second (0 for unlimited)")
}

func (c *importCmd) limiter() *rate.Limiter {
	if c.rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.rate), max(1, int(c.rate)))
}

func (c *importCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)

	reader, err := dump.Open(c.inputPath)
	if err != nil {
		e.logger.Error("lodtiles: failed to open dump", "path", c.inputPath, "error", err)
		return subcommands.ExitFailure
	}
	defer reader.Close()

	storage, err := openStorage(e)
	if err != nil {
		e.logger.Error("lodtiles: failed to open storage", "error", err)
		return subcommands.ExitFailure
	}
	defer storage.Close()

	limiter := c.limiter()
	bar := progressbar.New(reader.Len())
	written, skipped := 0, 0

	err = reader.VisitTiles(func(pos tile.Pos, entry tile.Entry) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		applied, err := storage.SetData(pos, tilestore.Metadata{Timestamp: entry.Timestamp}, entry.Data)
		if err != nil {
			return err
		}
		if applied {
			written++
		} else {
			skipped++
		}
		bar.Add(1)
		return nil
	})

	bar.Finish()
	fmt.Println()

	if err != nil {
		e.logger.Error("lodtiles: import failed", "error", err)
		return subcommands.ExitFailure
	}
	e.logger.Info("lodtiles: import done", "written", written, "skipped", skipped)

	return subcommands.ExitSuccess
}
