// Package ldb implements kv.Store on top of LevelDB.
// Columns are stored in one keyspace, separated by a one byte key prefix.
package ldb

import (
	"errors"
	"log/slog"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/iterator"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/storage"
	"github.com/df-mc/goleveldb/leveldb/util"
	"github.com/eak1mov/go-lodtiles/kv"
)

type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
}

type config struct {
	Logger  *slog.Logger
	Options *opt.Options
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

// WithOptions sets LevelDB options, e.g. block cache size or compression.
func WithOptions(options *opt.Options) Option {
	return func(c *config) { c.Options = options }
}

// Open opens or creates a LevelDB database in the given directory.
func Open(dirPath string, opts ...Option) (*Store, error) {
	return open(func(o *opt.Options) (*leveldb.DB, error) {
		return leveldb.OpenFile(dirPath, o)
	}, opts)
}

// OpenStorage opens a database over an arbitrary LevelDB storage,
// e.g. storage.NewMemStorage() for an in-memory store.
func OpenStorage(stor storage.Storage, opts ...Option) (*Store, error) {
	return open(func(o *opt.Options) (*leveldb.DB, error) {
		return leveldb.Open(stor, o)
	}, opts)
}

// OpenMemory opens an empty in-memory database.
func OpenMemory(opts ...Option) (*Store, error) {
	return OpenStorage(storage.NewMemStorage(), opts...)
}

func open(openDB func(*opt.Options) (*leveldb.DB, error), opts []Option) (*Store, error) {
	config := config{
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(&config)
	}

	db, err := openDB(config.Options)
	if err != nil {
		return nil, err
	}
	config.Logger.Debug("lodtiles: leveldb store opened")
	return &Store{db: db, logger: config.Logger}, nil
}

func columnKey(col kv.Column, key []byte) []byte {
	result := make([]byte, 0, 1+len(key))
	result = append(result, byte(col))
	return append(result, key...)
}

func mapErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return kv.ErrClosed
	}
	return err
}

type getter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type reader struct {
	g getter
}

func (r reader) Get(col kv.Column, key []byte) ([]byte, error) {
	value, err := r.g.Get(columnKey(col, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return value, nil
}

// MultiGet issues point lookups; LevelDB has no native batched read.
func (r reader) MultiGet(col kv.Column, keys [][]byte) ([][]byte, error) {
	values := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := r.Get(col, key)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

func (r reader) Scan(col kv.Column, visitor func(key, value []byte) error) error {
	it := r.g.NewIterator(util.BytesPrefix([]byte{byte(col)}), nil)
	defer it.Release()
	for it.Next() {
		if err := visitor(it.Key()[1:], it.Value()); err != nil {
			return err
		}
	}
	return mapErr(it.Error())
}

type txn struct {
	reader
	tr *leveldb.Transaction
}

func (t txn) Put(col kv.Column, key, value []byte) error {
	return mapErr(t.tr.Put(columnKey(col, key), value, nil))
}

func (t txn) Delete(col kv.Column, key []byte) error {
	return mapErr(t.tr.Delete(columnKey(col, key), nil))
}

func (s *Store) View(fn func(kv.Reader) error) error {
	snapshot, err := s.db.GetSnapshot()
	if err != nil {
		return mapErr(err)
	}
	defer snapshot.Release()
	return fn(reader{snapshot})
}

func (s *Store) Update(fn func(kv.Txn) error) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return mapErr(err)
	}
	if err := fn(txn{reader{tr}, tr}); err != nil {
		tr.Discard()
		return err
	}
	return mapErr(tr.Commit())
}

func (s *Store) Clear() error {
	return s.Update(func(t kv.Txn) error {
		tr := t.(txn).tr

		var keys [][]byte
		it := tr.NewIterator(nil, nil)
		for it.Next() {
			keys = append(keys, append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return mapErr(err)
		}

		for _, key := range keys {
			if err := tr.Delete(key, nil); err != nil {
				return mapErr(err)
			}
		}
		s.logger.Debug("lodtiles: leveldb store cleared", "keys", len(keys))
		return nil
	})
}

func (s *Store) Close() error {
	s.logger.Debug("lodtiles: leveldb store closed")
	return s.db.Close()
}
