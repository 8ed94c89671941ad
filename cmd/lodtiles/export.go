package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/eak1mov/go-lodtiles/dump"
	"github.com/eak1mov/go-lodtiles/tile"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

type exportCmd struct {
	outputPath string
}

func (c *exportCmd) Name() string     { return "export" }
func (c *exportCmd) Synopsis() string { return "export all tile versions into a dump file" }
func (c *exportCmd) Usage() string {
	return "lodtiles export -o <path>\n"
}
func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.outputPath, "o", "", "Output dump file path")
}

func (c *exportCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)
	if c.outputPath == "" {
		e.logger.Error("lodtiles: output path is required")
		return subcommands.ExitUsageError
	}

	storage, err := openStorage(e)
	if err != nil {
		e.logger.Error("lodtiles: failed to open storage", "error", err)
		return subcommands.ExitFailure
	}
	defer storage.Close()

	writer, err := dump.NewWriter(c.outputPath, dump.WithLogger(e.logger))
	if err != nil {
		e.logger.Error("lodtiles: failed to create dump", "error", err)
		return subcommands.ExitFailure
	}
	defer writer.Close()

	bar := progressbar.NewOptions(-1, progressbar.OptionShowIts(), progressbar.OptionShowCount())

	err = storage.VisitTiles(func(pos tile.Pos, entry tile.Entry) error {
		if err := writer.WriteTile(pos, entry); err != nil {
			return err
		}
		bar.Add(1)
		return nil
	})

	bar.Finish()
	fmt.Println()

	if err == nil {
		err = writer.Finalize()
	}
	if err != nil {
		e.logger.Error("lodtiles: export failed", "error", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}
