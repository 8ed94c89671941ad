package tilestore

import "github.com/eak1mov/go-lodtiles/tile"

// Handle is an accessor bound to one position of a Storage.
// It carries no state of its own.
type Handle struct {
	storage *Storage
	pos     tile.Pos
}

func (h *Handle) Pos() tile.Pos {
	return h.pos
}

func (h *Handle) Timestamp() (int64, error) {
	return h.storage.Timestamp(h.pos)
}

func (h *Handle) Snapshot() (*tile.Snapshot, error) {
	return h.storage.Snapshot(h.pos)
}

func (h *Handle) Set(meta Metadata, t *tile.Tile) (bool, error) {
	return h.storage.Set(h.pos, meta, t)
}

func (h *Handle) DirtyTimestamp() (int64, error) {
	return h.storage.DirtyTimestamp(h.pos)
}

func (h *Handle) MarkDirty(dirty int64) (bool, error) {
	return h.storage.MarkDirty(h.pos, dirty)
}

func (h *Handle) ClearDirty() (bool, error) {
	return h.storage.ClearDirty(h.pos)
}
