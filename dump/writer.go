package dump

import (
	"bufio"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/eak1mov/go-lodtiles/internal/compress"
	"github.com/eak1mov/go-lodtiles/tile"
)

type writerOptions struct {
	logger      *slog.Logger
	compression compress.Compression
}

type WriterOption func(*writerOptions)

func WithLogger(logger *slog.Logger) WriterOption {
	return func(o *writerOptions) { o.logger = logger }
}

// WithCompression sets the block compression for tile data. Defaults to zstd.
func WithCompression(c compress.Compression) WriterOption {
	return func(o *writerOptions) { o.compression = c }
}

// Writer implements tile.Writer for dump files.
type Writer struct {
	options writerOptions
	file    *os.File

	tileWriter *bufio.Writer
	tileOffset uint64

	items     []Item
	locations map[[16]byte]int // hash -> item index
}

func NewWriter(filePath string, opts ...WriterOption) (w *Writer, err error) {
	options := writerOptions{
		logger:      slog.New(slog.DiscardHandler),
		compression: compress.Zstd,
	}
	for _, opt := range opts {
		opt(&options)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	if _, err := file.Seek(headerSize, io.SeekStart); err != nil {
		return nil, err
	}

	return &Writer{
		options:    options,
		file:       file,
		tileWriter: bufio.NewWriter(file),
		tileOffset: headerSize,
		locations:  make(map[[16]byte]int),
	}, nil
}

func (w *Writer) WriteTile(pos tile.Pos, entry tile.Entry) error {
	if w.tileWriter == nil {
		panic("lodtiles: write after finalize")
	}
	item := Item{Level: pos.Level, X: pos.X, Y: pos.Y, Z: pos.Z, Timestamp: entry.Timestamp}
	if len(entry.Data) == 0 {
		w.items = append(w.items, item)
		return nil
	}

	block, err := compress.Compress(entry.Data, w.options.compression)
	if err != nil {
		return fmt.Errorf("tile %v: %w", pos, err)
	}

	digest := md5.Sum(block)
	if idx, exists := w.locations[digest]; exists {
		item.Offset, item.Length = w.items[idx].Offset, w.items[idx].Length
		w.items = append(w.items, item)
		return nil
	}

	if _, err := w.tileWriter.Write(block); err != nil {
		return err
	}
	item.Offset, item.Length = w.tileOffset, uint32(len(block))
	w.tileOffset += uint64(len(block))

	w.locations[digest] = len(w.items)
	w.items = append(w.items, item)
	return nil
}

func (w *Writer) Finalize() error {
	if w.tileWriter == nil {
		panic("lodtiles: finalize called twice")
	}

	w.options.logger.Debug("lodtiles: flush", "tiles", len(w.items), "bytes", w.tileOffset-headerSize)
	if err := w.tileWriter.Flush(); err != nil {
		return err
	}

	w.options.logger.Debug("lodtiles: sort")
	sortItems(w.items)

	w.options.logger.Debug("lodtiles: write index")
	index := bufio.NewWriter(w.file)
	if err := binary.Write(index, binary.LittleEndian, w.items); err != nil {
		return err
	}
	if err := index.Flush(); err != nil {
		return err
	}
	w.tileWriter = nil

	w.options.logger.Debug("lodtiles: write header")
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	h := header{Magic: magic, IndexOffset: w.tileOffset, Count: uint64(len(w.items))}
	if err := binary.Write(w.file, binary.LittleEndian, h); err != nil {
		return err
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}
