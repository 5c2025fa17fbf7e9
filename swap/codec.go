package swap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/microtrain/tensormem/internal/conv"
)

// Compression selects the blob compression algorithm.
type Compression uint8

const (
	// CompressionNone stores blobs verbatim.
	CompressionNone Compression = 0
	// CompressionLZ4 favors speed; a good default for tensors that swap
	// in and out every few steps.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favors ratio; suited to cold tensors.
	CompressionZSTD Compression = 2
)

// blobHeader precedes every encoded blob:
// [RawSize uint32][EncodedSize uint32][Data...].
// EncodedSize == 0 marks an uncompressed payload regardless of the device's
// configured algorithm (the ratio fallback).
const blobHeaderSize = 8

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

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Encode compresses data with the given algorithm and prepends the
// blob header. If compression does not pay (ratio > 0.9), the payload is
// stored uncompressed with EncodedSize == 0.
func Encode(data []byte, c Compression) ([]byte, error) {
	rawSize, err := conv.IntToUint32(len(data))
	if err != nil {
		return nil, fmt.Errorf("swap: payload exceeds blob header limit: %w", err)
	}

	var compressed []byte

	switch c {
	case CompressionNone:
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZSTD:
		compressed, err = compressZSTD(data)
	default:
		return nil, fmt.Errorf("swap: unknown compression %d", c)
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, blobHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], rawSize)
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[blobHeaderSize:], data)
		return out, nil
	}

	// The ratio check bounds len(compressed) below rawSize.
	out := make([]byte, blobHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], rawSize)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[blobHeaderSize:], compressed)
	return out, nil
}

// Decode reverses Encode. The device's configured algorithm is
// only consulted for compressed payloads.
func Decode(blob []byte, c Compression) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("%w: blob shorter than header (%d bytes)", ErrCorrupt, len(blob))
	}

	rawSize := binary.LittleEndian.Uint32(blob[0:])
	encSize := binary.LittleEndian.Uint32(blob[4:])
	payload := blob[blobHeaderSize:]

	if encSize == 0 {
		if uint32(len(payload)) != rawSize {
			return nil, fmt.Errorf("%w: raw payload is %d bytes, header says %d", ErrCorrupt, len(payload), rawSize)
		}
		out := make([]byte, rawSize)
		copy(out, payload)
		return out, nil
	}

	if uint32(len(payload)) != encSize {
		return nil, fmt.Errorf("%w: encoded payload is %d bytes, header says %d", ErrCorrupt, len(payload), encSize)
	}

	var out []byte
	var err error
	switch c {
	case CompressionLZ4:
		out, err = decompressLZ4(payload, int(rawSize))
	case CompressionZSTD:
		out, err = decompressZSTD(payload, int(rawSize))
	default:
		return nil, fmt.Errorf("%w: compressed payload on a device configured with compression %d", ErrCorrupt, c)
	}
	if err != nil {
		return nil, err
	}
	if uint32(len(out)) != rawSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, header says %d", ErrCorrupt, len(out), rawSize)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return nil, fmt.Errorf("swap: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible; caller falls back to raw storage.
		return nil, nil
	}
	return buf[:n], nil
}

func decompressLZ4(data []byte, rawSize int) ([]byte, error) {
	out := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, fmt.Errorf("swap: lz4 decompress: %w", err)
	}
	return out[:n], nil
}

func compressZSTD(data []byte) ([]byte, error) {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)
	return enc.EncodeAll(data, nil), nil
}

func decompressZSTD(data []byte, rawSize int) ([]byte, error) {
	dec := getZstdDecoder()
	defer putZstdDecoder(dec)
	out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("swap: zstd decompress: %w", err)
	}
	return out, nil
}
