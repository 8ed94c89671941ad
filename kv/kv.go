// Package kv defines the column-scoped transactional key-value store
// that tile storage is built on.
package kv

import (
	"errors"
	"fmt"
)

// Column selects one of the independently stored tile fields.
type Column uint8

const (
	ColumnTimestamp Column = iota
	ColumnDirtyTimestamp
	ColumnData
)

// Columns lists all columns in storage order.
var Columns = []Column{ColumnTimestamp, ColumnDirtyTimestamp, ColumnData}

func (c Column) String() string {
	switch c {
	case ColumnTimestamp:
		return "timestamp"
	case ColumnDirtyTimestamp:
		return "dirty_timestamp"
	case ColumnData:
		return "data"
	}
	return fmt.Sprintf("column(%d)", uint8(c))
}

var ErrClosed = errors.New("kv: store closed")

// Reader reads a consistent view of the store.
type Reader interface {
	// Get returns the value stored under key, or nil if there is none.
	Get(col Column, key []byte) ([]byte, error)

	// MultiGet returns the values for all keys in order, nil for absent keys.
	MultiGet(col Column, keys [][]byte) ([][]byte, error)

	// Scan calls visitor for every entry of the column in key order.
	// Key and value are only valid during the call.
	Scan(col Column, visitor func(key, value []byte) error) error
}

// Txn is a read-write transaction. Reads observe the transaction's own writes.
type Txn interface {
	Reader

	Put(col Column, key, value []byte) error
	Delete(col Column, key []byte) error
}

type Store interface {
	// View runs fn against a consistent read-only view.
	View(fn func(Reader) error) error

	// Update runs fn in an exclusive transaction. The transaction commits
	// if fn returns nil and is discarded otherwise.
	Update(fn func(Txn) error) error

	// Clear deletes all entries in all columns.
	Clear() error

	Close() error
}
