// Package config loads lodtiles settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/tile"
	"gopkg.in/yaml.v3"
)

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
)

type Config struct {
	Storage Storage `yaml:"storage"`
	Cache   Cache   `yaml:"cache"`
	Bake    Bake    `yaml:"bake"`
	Log     Log     `yaml:"log"`
}

type Storage struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
}

type Cache struct {
	Shards int `yaml:"shards"`
}

type Bake struct {
	Workers           int    `yaml:"workers"`
	MaxPendingUpdates int    `yaml:"max_pending_updates"`
	Limits            Limits `yaml:"limits"`
}

// Limits are level-0 tile coordinates, Min inclusive and Max exclusive.
type Limits struct {
	Min [3]int32 `yaml:"min"`
	Max [3]int32 `yaml:"max"`
}

type Log struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Storage: Storage{
			Backend:     BackendLevelDB,
			Path:        "tiles.ldb",
			Compression: compress.Zstd.String(),
		},
		Cache: Cache{Shards: 64},
		Bake: Bake{
			Workers:           2,
			MaxPendingUpdates: 256,
			Limits: Limits{
				Min: [3]int32{math.MinInt32, math.MinInt32, math.MinInt32},
				Max: [3]int32{math.MaxInt32, math.MaxInt32, math.MaxInt32},
			},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendLevelDB, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: must not be empty"))
	}
	if _, err := compress.Parse(c.Storage.Compression); err != nil {
		errs = append(errs, fmt.Errorf("storage.compression: %w", err))
	}
	if c.Cache.Shards <= 0 {
		errs = append(errs, fmt.Errorf("cache.shards: must be positive, got %d", c.Cache.Shards))
	}
	if c.Bake.Workers <= 0 {
		errs = append(errs, fmt.Errorf("bake.workers: must be positive, got %d", c.Bake.Workers))
	}
	if c.Bake.MaxPendingUpdates <= 0 {
		errs = append(errs, fmt.Errorf("bake.max_pending_updates: must be positive, got %d", c.Bake.MaxPendingUpdates))
	}
	for axis := range 3 {
		if c.Bake.Limits.Min[axis] >= c.Bake.Limits.Max[axis] {
			errs = append(errs, fmt.Errorf("bake.limits: empty range on axis %d", axis))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) Compression() compress.Compression {
	comp, _ := compress.Parse(c.Storage.Compression)
	return comp
}

func (c Config) Limits() tile.Limits {
	return tile.Limits{Min: c.Bake.Limits.Min, Max: c.Bake.Limits.Max}
}

func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	return level, err
}
