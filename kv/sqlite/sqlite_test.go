package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/eak1mov/go-lodtiles/kv"
	"github.com/eak1mov/go-lodtiles/kv/kvtest"
	"github.com/eak1mov/go-lodtiles/kv/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := sqlite.Open(filepath.Join(t.TempDir(), "tiles.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopen(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "tiles.sqlite")
	s, err := sqlite.Open(filePath)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx kv.Txn) error {
		return tx.Put(kv.ColumnTimestamp, []byte{1, 2, 3}, []byte{0, 0, 0, 0, 0, 0, 0, 5})
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(filePath)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.View(func(r kv.Reader) error {
		value, err := r.Get(kv.ColumnTimestamp, []byte{1, 2, 3})
		require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 5}, value)
		return err
	}))
}
