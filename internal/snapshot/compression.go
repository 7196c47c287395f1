package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of the snapshot body.
type Compression uint8

const (
	// CompressionNone stores blocks as is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression.
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration value.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unsupported snapshot compression %q", s)
	}
}

const (
	blockSize       = 256 << 10
	blockHeaderSize = 8
	maxBlockSize    = 16 << 20
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	// EncodeAll on a single block is deterministic for a fixed level.
	enc, _ := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// compressBlock returns [uncompressed u32][compressed u32][data]. A
// compressed size of 0 marks a block stored as is.
func compressBlock(dst, data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	if len(compressed) == 0 || len(compressed) >= len(data) {
		dst = binary.LittleEndian.AppendUint32(dst, 0)
		return append(dst, data...), nil
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(compressed)))
	return append(dst, compressed...), nil
}

// decompressBlock decodes one block from the front of data and returns the
// remaining bytes.
func decompressBlock(data []byte, c Compression) (block, rest []byte, err error) {
	if len(data) < blockHeaderSize {
		return nil, nil, errors.New("block too small for header")
	}
	raw := binary.LittleEndian.Uint32(data[0:])
	size := binary.LittleEndian.Uint32(data[4:])
	data = data[blockHeaderSize:]
	if raw > maxBlockSize {
		return nil, nil, fmt.Errorf("block of %d bytes exceeds limit", raw)
	}

	if size == 0 {
		if uint32(len(data)) < raw {
			return nil, nil, errors.New("block data too small")
		}
		return data[:raw], data[raw:], nil
	}
	if uint32(len(data)) < size {
		return nil, nil, errors.New("compressed block data too small")
	}
	src, rest := data[:size], data[size:]
	out := make([]byte, raw)

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, nil, err
		}
		if uint32(n) != raw {
			return nil, nil, errors.New("decompressed size mismatch")
		}
	case CompressionZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(src, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, nil, err
		}
		if uint32(len(decoded)) != raw {
			return nil, nil, errors.New("decompressed size mismatch")
		}
		out = decoded
	default:
		return nil, nil, fmt.Errorf("compressed block with compression %s", c)
	}
	return out, rest, nil
}

// blockWriter buffers writes into fixed-size blocks and compresses each.
// Block boundaries depend only on the byte stream, so equal input yields
// equal output.
type blockWriter struct {
	w           io.Writer
	compression Compression
	buf         *bytes.Buffer
	out         []byte
	written     int64
}

func newBlockWriter(w io.Writer, c Compression) *blockWriter {
	return &blockWriter{
		w:           w,
		compression: c,
		buf:         bytes.NewBuffer(make([]byte, 0, blockSize)),
	}
}

func (b *blockWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := blockSize - b.buf.Len()
		if space == 0 {
			if err := b.flushBlock(); err != nil {
				return total, err
			}
			space = blockSize
		}
		n := min(len(p), space)
		b.buf.Write(p[:n])
		total += n
		p = p[n:]
	}
	return total, nil
}

func (b *blockWriter) flushBlock() error {
	if b.buf.Len() == 0 {
		return nil
	}
	var err error
	b.out, err = compressBlock(b.out[:0], b.buf.Bytes(), b.compression)
	if err != nil {
		return err
	}
	n, err := b.w.Write(b.out)
	b.written += int64(n)
	if err != nil {
		return err
	}
	b.buf.Reset()
	return nil
}

// Close flushes the last block.
func (b *blockWriter) Close() error {
	return b.flushBlock()
}

// blockReader decompresses blocks from an in-memory body.
type blockReader struct {
	data        []byte
	compression Compression
	cur         []byte
}

func (b *blockReader) Read(p []byte) (int, error) {
	for len(b.cur) == 0 {
		if len(b.data) == 0 {
			return 0, io.EOF
		}
		var err error
		b.cur, b.data, err = decompressBlock(b.data, b.compression)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}
