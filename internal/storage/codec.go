package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses one sealed block as a unit.
type Codec interface {
	Name() string
	Compress(raw []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

var (
	Snappy Codec = snappyCodec{}
	Zstd   Codec = zstdCodec{}
	LZ4    Codec = lz4Codec{}
)

// DefaultCodec is used when no codec is configured.
var DefaultCodec = Snappy

// ParseCodec returns the codec with the given name. An empty name selects
// DefaultCodec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "":
		return DefaultCodec, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return nil, fmt.Errorf("storage: unknown codec %q", name)
	}
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(raw []byte) ([]byte, error) {
	return snappy.Encode(nil, raw), nil
}

func (snappyCodec) Decompress(compressed []byte) ([]byte, error) {
	return snappy.Decode(nil, compressed)
}

// zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(raw []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (zstdCodec) Decompress(compressed []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(compressed, nil)
}

// lz4 blocks carry the raw length and a mode byte in front of the payload:
// [rawLen uint32 LE][mode][data]. Incompressible input is stored as is.
type lz4Codec struct{}

const (
	lz4Stored     = 0
	lz4Compressed = 1
	lz4HeaderSize = 5
)

var errShortBlock = errors.New("lz4 block too short")

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(raw []byte) ([]byte, error) {
	out := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	written, err := lz4.CompressBlock(raw, out[lz4HeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(raw) {
		out[4] = lz4Stored
		return append(out[:lz4HeaderSize], raw...), nil
	}
	out[4] = lz4Compressed
	return out[:lz4HeaderSize+written], nil
}

func (lz4Codec) Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) < lz4HeaderSize {
		return nil, errShortBlock
	}
	size := int(binary.LittleEndian.Uint32(compressed))
	payload := compressed[lz4HeaderSize:]
	switch compressed[4] {
	case lz4Stored:
		if len(payload) != size {
			return nil, fmt.Errorf("lz4 stored block: size %d does not match %d", len(payload), size)
		}
		return append([]byte(nil), payload...), nil
	case lz4Compressed:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lz4 block: unknown mode %d", compressed[4])
	}
}
