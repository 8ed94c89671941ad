package tile

import (
	"errors"
	"iter"
)

var errVisitCancelled = errors.New("visit cancelled")

// Entry is a stored tile version: its timestamp and raw encoded content.
type Entry struct {
	Timestamp int64
	Data      []byte
}

// Writer defines an interface for writing tiles to a tileset.
type Writer interface {
	// WriteTile writes a single tile version to the tileset.
	WriteTile(pos Pos, entry Entry) error

	// Finalize completes the writing process: flushes buffers, writes indices.
	// It must be called before closing the Writer.
	Finalize() error
}

type Visitor interface {
	// VisitTiles visits all tiles in the tileset, calling the visitor for each.
	// Order of tiles is implementation-defined.
	VisitTiles(visitor func(Pos, Entry) error) error
}

// IterTiles returns an iterator over all tiles in the tileset.
// Iteration panics on unrecoverable errors.
func IterTiles(r Visitor) iter.Seq2[Pos, Entry] {
	return func(yield func(Pos, Entry) bool) {
		err := r.VisitTiles(func(pos Pos, entry Entry) error {
			if !yield(pos, entry) {
				return errVisitCancelled
			}
			return nil
		})
		if err != nil && err != errVisitCancelled {
			panic(err)
		}
	}
}
