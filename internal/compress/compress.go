// Package compress implements the block codecs used for tile data.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Compression uint8

const (
	None Compression = 0
	Zstd Compression = 1
	LZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func Parse(name string) (Compression, error) {
	switch name {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return None, fmt.Errorf("unknown compression %q", name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block format: [compression u8][uncompressed size u32 LE][payload].
// Payload is stored as is when compression does not shrink it.
const headerSize = 5

var ErrCorrupted = errors.New("corrupted compressed block")

// Compress encodes data into a self-describing block. Empty input stays empty.
func Compress(data []byte, compression Compression) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var payload []byte
	switch compression {
	case None:
	case Zstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		payload = buf[:n]
	default:
		return nil, fmt.Errorf("compression not supported (%v)", compression)
	}

	if len(payload) == 0 || len(payload) >= len(data) {
		compression, payload = None, data
	}

	result := make([]byte, headerSize+len(payload))
	result[0] = byte(compression)
	binary.LittleEndian.PutUint32(result[1:], uint32(len(data)))
	copy(result[headerSize:], payload)
	return result, nil
}

// Decompress decodes a block produced by Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) == 0 {
		return nil, nil
	}
	if len(block) < headerSize {
		return nil, ErrCorrupted
	}

	size := binary.LittleEndian.Uint32(block[1:])
	payload := block[headerSize:]

	switch Compression(block[0]) {
	case None:
		if uint32(len(payload)) != size {
			return nil, ErrCorrupted
		}
		return payload, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		result, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		if uint32(len(result)) != size {
			return nil, ErrCorrupted
		}
		return result, nil
	case LZ4:
		result := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, ErrCorrupted
		}
		return result, nil
	}
	return nil, fmt.Errorf("compression not supported (%v)", Compression(block[0]))
}

// UncompressedSize returns the decoded size recorded in the block header.
func UncompressedSize(block []byte) int {
	if len(block) < headerSize {
		return 0
	}
	return int(binary.LittleEndian.Uint32(block[1:]))
}
