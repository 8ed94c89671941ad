package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

type clearCmd struct{}

func (c *clearCmd) Name() string             { return "clear" }
func (c *clearCmd) Synopsis() string         { return "delete all tiles from storage" }
func (c *clearCmd) Usage() string            { return "lodtiles clear\n" }
func (c *clearCmd) SetFlags(_ *flag.FlagSet) {}

func (c *clearCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)

	storage, err := openStorage(e)
	if err != nil {
		e.logger.Error("lodtiles: failed to open storage", "error", err)
		return subcommands.ExitFailure
	}
	defer storage.Close()

	if err := storage.Clear(); err != nil {
		e.logger.Error("lodtiles: clear failed", "error", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}
