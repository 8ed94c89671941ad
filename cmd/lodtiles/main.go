package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/eak1mov/go-lodtiles/config"
	"github.com/google/subcommands"
	_ "github.com/mattn/go-sqlite3"
)

// env is passed to every command as the first Execute argument.
type env struct {
	config config.Config
	logger *slog.Logger
}

func envFrom(args []any) *env {
	return args[0].(*env)
}

func main() {
	configPath := flag.String("config", "lodtiles.yaml", "Config file path")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&exportCmd{}, "")
	subcommands.Register(&importCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&bakeCmd{}, "")
	subcommands.Register(&clearCmd{}, "")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("lodtiles: invalid config", "path", *configPath, "error", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(int(subcommands.Execute(context.Background(), &env{config: cfg, logger: logger})))
}
