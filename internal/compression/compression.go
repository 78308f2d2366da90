// Package compression provides the payload codecs applied to encoded batches
// before they are sent.
package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeLZ4 uses an LZ4 block prefixed with the little-endian uncompressed
	// length. It is the default: fastest encode for the batch cadence.
	TypeLZ4 Type = "lz4"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
)

// Level represents compression level settings.
type Level int

const (
	// LevelDefault uses the default compression level for the algorithm.
	LevelDefault Level = 0
	// LevelFastest uses the fastest compression (lowest ratio).
	LevelFastest Level = 1
	// LevelBest uses the best compression (highest ratio).
	LevelBest Level = 9
)

// maxBlockSize bounds the declared length of an LZ4 block on decompress.
const maxBlockSize = 64 << 20

// Config holds compression configuration.
type Config struct {
	// Type is the compression algorithm to use.
	Type Type
	// Level is the compression level (algorithm-specific).
	Level Level
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return TypeNone, nil
	case "", "lz4":
		return TypeLZ4, nil
	case "zstd":
		return TypeZstd, nil
	case "gzip":
		return TypeGzip, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// HeaderValue returns the value advertised in the compress-type request
// header, or "" when the payload is sent uncompressed.
func (t Type) HeaderValue() string {
	switch t {
	case TypeLZ4, TypeZstd, TypeGzip:
		return string(t)
	default:
		return ""
	}
}

// Codec compresses and decompresses payloads for one configured algorithm.
// It is safe for concurrent use.
type Codec struct {
	cfg Config

	lz4Pool sync.Pool // *lz4.Compressor
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

// New builds a Codec for cfg.
func New(cfg Config) (*Codec, error) {
	if cfg.Type == "" {
		cfg.Type = TypeLZ4
	}
	c := &Codec{cfg: cfg}

	switch cfg.Type {
	case TypeNone, TypeGzip:
	case TypeLZ4:
		c.lz4Pool.New = func() any { return new(lz4.Compressor) }
	case TypeZstd:
		level := zstd.SpeedFastest
		switch {
		case cfg.Level >= LevelBest:
			level = zstd.SpeedBestCompression
		case cfg.Level > LevelFastest:
			level = zstd.SpeedDefault
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.zenc, c.zdec = enc, dec
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	return c, nil
}

// Type returns the configured algorithm.
func (c *Codec) Type() Type {
	return c.cfg.Type
}

// Compress compresses data.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	switch c.cfg.Type {
	case TypeNone:
		return data, nil
	case TypeLZ4:
		return c.compressLZ4(data)
	case TypeZstd:
		return c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case TypeGzip:
		return compressGzip(data, c.cfg.Level)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", c.cfg.Type)
	}
}

// Decompress reverses Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	switch c.cfg.Type {
	case TypeNone:
		return data, nil
	case TypeLZ4:
		return decompressLZ4(data)
	case TypeZstd:
		return c.zdec.DecodeAll(data, nil)
	case TypeGzip:
		return decompressGzip(data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", c.cfg.Type)
	}
}

// Close releases encoder resources.
func (c *Codec) Close() {
	if c.zenc != nil {
		_ = c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}

// lz4 block compression
func (c *Codec) compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))

	comp := c.lz4Pool.Get().(*lz4.Compressor)
	n, err := comp.CompressBlock(data, out[4:])
	c.lz4Pool.Put(comp)
	if err != nil {
		return nil, fmt.Errorf("failed to compress lz4 block: %w", err)
	}
	return out[:4+n], nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 block too short: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data)
	if size > maxBlockSize {
		return nil, fmt.Errorf("lz4 block declares %d bytes, limit %d", size, maxBlockSize)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress lz4 block: %w", err)
	}
	return out[:n], nil
}

// gzip compression
func compressGzip(data []byte, level Level) ([]byte, error) {
	gzLevel := gzip.BestSpeed
	if level != LevelDefault {
		gzLevel = int(level)
	}
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
