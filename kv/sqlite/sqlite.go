// Package sqlite implements kv.Store on top of SQLite, one table per column.
//
// Note: User must properly initialize the sqlite3 library generic driver
// (e.g. import _ "github.com/mattn/go-sqlite3") before using this package.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eak1mov/go-lodtiles/kv"
)

// maxBatchKeys stays below SQLITE_MAX_VARIABLE_NUMBER of older sqlite builds.
const maxBatchKeys = 500

type columnStmts struct {
	get    *sql.Stmt
	put    *sql.Stmt
	delete *sql.Stmt
}

type Store struct {
	db     *sql.DB
	stmts  [3]columnStmts
	logger *slog.Logger
}

type config struct {
	Logger *slog.Logger
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

func tableName(col kv.Column) string {
	return "tiles_" + col.String()
}

// Open opens or creates a tile database at filePath.
func Open(filePath string, opts ...Option) (s *Store, err error) {
	config := config{
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", filePath))
	if err != nil {
		return nil, err
	}
	// A single connection serializes transactions and keeps the schema visible.
	db.SetMaxOpenConns(1)

	s = &Store{db: db, logger: config.Logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	for _, col := range kv.Columns {
		_, err = db.Exec(fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID", tableName(col)))
		if err != nil {
			return nil, err
		}
	}

	for _, col := range kv.Columns {
		table := tableName(col)
		stmts := &s.stmts[col]
		if stmts.get, err = db.Prepare(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table)); err != nil {
			return nil, err
		}
		if stmts.put, err = db.Prepare(fmt.Sprintf("INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)", table)); err != nil {
			return nil, err
		}
		if stmts.delete, err = db.Prepare(fmt.Sprintf("DELETE FROM %s WHERE key = ?", table)); err != nil {
			return nil, err
		}
	}

	config.Logger.Debug("lodtiles: sqlite store opened", "path", filePath)
	return s, nil
}

func (s *Store) Close() error {
	var errs []error
	for _, stmts := range s.stmts {
		for _, stmt := range []*sql.Stmt{stmts.get, stmts.put, stmts.delete} {
			if stmt != nil {
				errs = append(errs, stmt.Close())
			}
		}
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return errors.Join(kv.ErrClosed, err)
	}
	return err
}

type txn struct {
	s  *Store
	tx *sql.Tx
}

func (t txn) Get(col kv.Column, key []byte) ([]byte, error) {
	var value []byte
	if err := t.tx.Stmt(t.s.stmts[col].get).QueryRow(key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapErr(err)
	}
	return value, nil
}

func (t txn) MultiGet(col kv.Column, keys [][]byte) ([][]byte, error) {
	found := make(map[string][]byte, len(keys))
	for start := 0; start < len(keys); start += maxBatchKeys {
		batch := keys[start:min(start+maxBatchKeys, len(keys))]
		query := fmt.Sprintf("SELECT key, value FROM %s WHERE key IN (?%s)",
			tableName(col), strings.Repeat(", ?", len(batch)-1))
		args := make([]any, len(batch))
		for i, key := range batch {
			args[i] = key
		}

		if err := t.query(query, args, func(key, value []byte) error {
			found[string(key)] = value
			return nil
		}); err != nil {
			return nil, err
		}
	}

	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = found[string(key)]
	}
	return values, nil
}

func (t txn) query(query string, args []any, visitor func(key, value []byte) error) error {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := visitor(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t txn) Scan(col kv.Column, visitor func(key, value []byte) error) error {
	return t.query(fmt.Sprintf("SELECT key, value FROM %s ORDER BY key", tableName(col)), nil, visitor)
}

func (t txn) Put(col kv.Column, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Stmt(t.s.stmts[col].put).Exec(key, value)
	return mapErr(err)
}

func (t txn) Delete(col kv.Column, key []byte) error {
	_, err := t.tx.Stmt(t.s.stmts[col].delete).Exec(key)
	return mapErr(err)
}

func (s *Store) run(fn func(txn) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return mapErr(err)
	}
	if err := fn(txn{s, tx}); err != nil {
		return errors.Join(err, ignoreDone(tx.Rollback()))
	}
	return mapErr(tx.Commit())
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (s *Store) View(fn func(kv.Reader) error) error {
	return s.run(func(t txn) error { return fn(t) })
}

func (s *Store) Update(fn func(kv.Txn) error) error {
	return s.run(func(t txn) error { return fn(t) })
}

func (s *Store) Clear() error {
	return s.run(func(t txn) error {
		for _, col := range kv.Columns {
			if _, err := t.tx.Exec(fmt.Sprintf("DELETE FROM %s", tableName(col))); err != nil {
				return err
			}
		}
		s.logger.Debug("lodtiles: sqlite store cleared")
		return nil
	})
}
