// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the compression applied to a persisted
// payload. Tags are stored in the queue database (1 byte each);
// changing the values breaks existing databases.
type compressionTag uint8

const (
	// compressionNone stores the payload as-is. The fallback when
	// compression does not shrink the data.
	compressionNone compressionTag = 0

	// compressionLZ4 is the fast default for binary payloads (image
	// bytes are often already compressed, so the incompressible
	// fallback matters here).
	compressionLZ4 compressionTag = 1

	// compressionZstd gets better ratios on text-like payloads (text
	// and control envelopes).
	compressionZstd compressionTag = 2
)

// errIncompressible signals that compression would not shrink the
// payload; the caller stores it uncompressed instead.
var errIncompressible = errors.New("delivery: payload incompressible")

// tagFor picks the compression for a message kind: zstd for text-like
// envelopes, lz4 for binary ones.
func tagFor(kind Kind) compressionTag {
	if kind == KindImage {
		return compressionLZ4
	}
	return compressionZstd
}

// zstd encoder and decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("delivery: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("delivery: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with the given tag, falling back to
// compressionNone when the result would not be smaller. Returns the
// stored bytes and the tag actually used.
func compressPayload(data []byte, tag compressionTag) ([]byte, compressionTag, error) {
	var compressed []byte
	var err error
	switch tag {
	case compressionNone:
		return data, compressionNone, nil
	case compressionLZ4:
		compressed, err = compressLZ4(data)
	case compressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("delivery: unsupported compression tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, compressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// decompressPayload reverses compressPayload. uncompressedSize must
// match the original length exactly.
func decompressPayload(stored []byte, tag compressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("delivery: stored payload size %d, expected %d",
				len(stored), uncompressedSize)
		}
		return stored, nil
	case compressionLZ4:
		return decompressLZ4(stored, uncompressedSize)
	case compressionZstd:
		return decompressZstd(stored, uncompressedSize)
	default:
		return nil, fmt.Errorf("delivery: unsupported compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("delivery: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible data.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("delivery: lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("delivery: lz4 decompress: got %d bytes, expected %d",
			read, uncompressedSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("delivery: zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("delivery: zstd decompress: got %d bytes, expected %d",
			len(result), uncompressedSize)
	}
	return result, nil
}
