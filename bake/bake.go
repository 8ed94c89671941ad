// Package bake keeps derived per-position artifacts in sync with a tile cache.
//
// A Manager listens to cache events, schedules a bake for every output
// position affected by a change, and hands the results in batches to a
// Consumer on a single owner goroutine provided by an Executor.
package bake

import (
	"github.com/eak1mov/go-lodtiles/tile"
)

// Output is a baked artifact for one position. It has a single owner at any time.
type Output interface {
	// Empty reports whether the output has no geometry.
	Empty() bool

	// Release frees the output. It must be called exactly once by the final owner.
	Release()
}

// Strategy defines how tiles are baked.
type Strategy interface {
	// BakeOutputs returns the output positions whose inputs include pos.
	// It is called while the cache entry for pos is locked and must not block.
	BakeOutputs(pos tile.Pos) []tile.Pos

	// BakeInputs returns the input positions for the output at pos. The list must include pos.
	BakeInputs(pos tile.Pos) []tile.Pos

	// NewOutput returns an empty output to bake into.
	NewOutput() Output

	// Bake fills out from the input tiles, ordered like BakeInputs(pos).
	// Missing inputs are nil. The caller releases out on error.
	Bake(pos tile.Pos, inputs []*tile.Tile, out Output) error
}

// Consumer receives baked results. Its methods are only called from the
// manager's Executor, one batch at a time.
type Consumer interface {
	// Update applies new outputs. A nil output means the position has nothing to render.
	// The consumer takes ownership of every non-nil output.
	Update(updates map[tile.Pos]Output) error

	// RenderableChanged updates which positions may be rendered.
	RenderableChanged(hidden, shown []tile.Pos) error
}

// Executor runs tasks on the single owner of the Consumer.
type Executor interface {
	Execute(task func())
}
