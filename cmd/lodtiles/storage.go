package main

import (
	"fmt"

	"github.com/eak1mov/go-lodtiles/config"
	"github.com/eak1mov/go-lodtiles/kv"
	"github.com/eak1mov/go-lodtiles/kv/ldb"
	"github.com/eak1mov/go-lodtiles/kv/sqlite"
	"github.com/eak1mov/go-lodtiles/tilestore"
)

func openStorage(e *env) (*tilestore.Storage, error) {
	cfg := e.config.Storage

	var store kv.Store
	var err error
	switch cfg.Backend {
	case config.BackendLevelDB:
		store, err = ldb.Open(cfg.Path, ldb.WithLogger(e.logger))
	case config.BackendSQLite:
		store, err = sqlite.Open(cfg.Path, sqlite.WithLogger(e.logger))
	default:
		return nil, fmt.Errorf("invalid storage backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Path, err)
	}

	return tilestore.New(store,
		tilestore.WithCompression(e.config.Compression()),
		tilestore.WithLogger(e.logger),
	), nil
}
