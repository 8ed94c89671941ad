package dump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/tile"
)

// Reader implements tile.Visitor for dump files.
type Reader struct {
	file  *os.File
	items []Item
}

func Open(filePath string) (r *Reader, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	var h header
	if err := binary.Read(file, binary.LittleEndian, &h); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if h.Magic != magic {
		return nil, ErrBadMagic
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(stat.Size())
	if h.IndexOffset < headerSize || h.IndexOffset > size {
		return nil, fmt.Errorf("%s: index offset out of range: %w", filePath, compress.ErrCorrupted)
	}
	indexLength := size - h.IndexOffset
	if h.Count > indexLength/uint64(itemSize) || indexLength != h.Count*uint64(itemSize) {
		return nil, fmt.Errorf("%s: index size mismatch: %w", filePath, compress.ErrCorrupted)
	}

	indexData := make([]byte, indexLength)
	if _, err := file.ReadAt(indexData, int64(h.IndexOffset)); err != nil {
		return nil, err
	}
	items := make([]Item, h.Count)
	if err := binary.Read(bytes.NewReader(indexData), binary.LittleEndian, items); err != nil {
		return nil, err
	}

	return &Reader{file: file, items: items}, nil
}

func (r *Reader) Len() int {
	return len(r.items)
}

// Items returns the index in file order.
func (r *Reader) Items() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range r.items {
			if !yield(item) {
				return
			}
		}
	}
}

func (r *Reader) ReadItem(item Item) ([]byte, error) {
	if item.Length == 0 {
		return nil, nil
	}
	block := make([]byte, item.Length)
	if _, err := r.file.ReadAt(block, int64(item.Offset)); err != nil {
		return nil, err
	}
	return compress.Decompress(block)
}

func (r *Reader) VisitTiles(visitor func(tile.Pos, tile.Entry) error) error {
	for _, item := range r.items {
		data, err := r.ReadItem(item)
		if err != nil {
			return fmt.Errorf("tile %v: %w", item.Pos(), err)
		}
		if err := visitor(item.Pos(), tile.Entry{Timestamp: item.Timestamp, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}
