// Package kvtest provides a conformance test suite for kv.Store implementations.
package kvtest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/eak1mov/go-lodtiles/kv"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

// Run runs the conformance suite. open must return a new empty store.
func Run(t *testing.T, open func(t *testing.T) kv.Store) {
	t.Run("GetPutDelete", func(t *testing.T) {
		s := open(t)
		key := []byte("k1")

		require.NoError(t, s.View(func(r kv.Reader) error {
			value, err := r.Get(kv.ColumnData, key)
			require.NoError(t, err)
			require.Nil(t, value)
			return nil
		}))

		require.NoError(t, s.Update(func(tx kv.Txn) error {
			require.NoError(t, tx.Put(kv.ColumnData, key, []byte("data")))
			require.NoError(t, tx.Put(kv.ColumnTimestamp, key, []byte("ts")))
			value, err := tx.Get(kv.ColumnData, key)
			require.NoError(t, err)
			require.Equal(t, []byte("data"), value)
			return nil
		}))

		require.NoError(t, s.View(func(r kv.Reader) error {
			value, err := r.Get(kv.ColumnTimestamp, key)
			require.NoError(t, err)
			require.Equal(t, []byte("ts"), value)
			value, err = r.Get(kv.ColumnDirtyTimestamp, key)
			require.NoError(t, err)
			require.Nil(t, value)
			return nil
		}))

		require.NoError(t, s.Update(func(tx kv.Txn) error {
			return tx.Delete(kv.ColumnData, key)
		}))
		require.NoError(t, s.View(func(r kv.Reader) error {
			value, err := r.Get(kv.ColumnData, key)
			require.NoError(t, err)
			require.Nil(t, value)
			return nil
		}))
	})

	t.Run("Rollback", func(t *testing.T) {
		s := open(t)
		err := s.Update(func(tx kv.Txn) error {
			require.NoError(t, tx.Put(kv.ColumnData, []byte("k"), []byte("v")))
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)
		require.NoError(t, s.View(func(r kv.Reader) error {
			value, err := r.Get(kv.ColumnData, []byte("k"))
			require.NoError(t, err)
			require.Nil(t, value)
			return nil
		}))
	})

	t.Run("MultiGet", func(t *testing.T) {
		s := open(t)
		keys := make([][]byte, 1200)
		require.NoError(t, s.Update(func(tx kv.Txn) error {
			for i := range keys {
				keys[i] = fmt.Appendf(nil, "key-%04d", i)
				if i%3 == 0 {
					require.NoError(t, tx.Put(kv.ColumnTimestamp, keys[i], fmt.Appendf(nil, "v%d", i)))
				}
			}
			return nil
		}))

		require.NoError(t, s.View(func(r kv.Reader) error {
			values, err := r.MultiGet(kv.ColumnTimestamp, append(keys, keys[0]))
			require.NoError(t, err)
			require.Len(t, values, len(keys)+1)
			for i := range keys {
				if i%3 == 0 {
					require.Equal(t, fmt.Appendf(nil, "v%d", i), values[i])
				} else {
					require.Nil(t, values[i])
				}
			}
			require.Equal(t, values[0], values[len(keys)])
			return nil
		}))
	})

	t.Run("ScanClear", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Update(func(tx kv.Txn) error {
			for _, k := range []string{"b", "a", "c"} {
				for _, col := range kv.Columns {
					require.NoError(t, tx.Put(col, []byte(k), []byte(col.String()+k)))
				}
			}
			return nil
		}))

		var keys []string
		require.NoError(t, s.View(func(r kv.Reader) error {
			return r.Scan(kv.ColumnDirtyTimestamp, func(key, value []byte) error {
				require.Equal(t, "dirty_timestamp"+string(key), string(value))
				keys = append(keys, string(key))
				return nil
			})
		}))
		require.Equal(t, []string{"a", "b", "c"}, keys)

		require.NoError(t, s.Clear())
		for _, col := range kv.Columns {
			require.NoError(t, s.View(func(r kv.Reader) error {
				return r.Scan(col, func(key, value []byte) error {
					t.Errorf("unexpected key %q in %v after Clear", key, col)
					return nil
				})
			}))
		}
	})

	t.Run("ConcurrentIncrement", func(t *testing.T) {
		s := open(t)
		key := []byte("counter")
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 25 {
					err := s.Update(func(tx kv.Txn) error {
						value, err := tx.Get(kv.ColumnTimestamp, key)
						if err != nil {
							return err
						}
						return tx.Put(kv.ColumnTimestamp, key, append(value, 'x'))
					})
					if err != nil {
						t.Errorf("Update failed: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		require.NoError(t, s.View(func(r kv.Reader) error {
			value, err := r.Get(kv.ColumnTimestamp, key)
			require.NoError(t, err)
			require.Len(t, value, 200)
			return nil
		}))
	})
}
