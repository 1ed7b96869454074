// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression applied to a stored event
// record. Tags are persisted per row — changing the values corrupts
// existing databases.
type CompressionTag uint8

const (
	// CompressionNone stores the CBOR record as-is. Small events
	// (the common case) rarely compress enough to pay for the CPU.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: fast decode, modest
	// ratio.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level: better ratio for
	// large JSON-heavy content, slower than LZ4.
	CompressionZstd CompressionTag = 2
)

// String returns the tag's configuration name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses a tag from its configuration name.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// zstd encoder/decoder are shared: both are safe for concurrent use
// and expensive to construct.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("eventstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("eventstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compressRecord compresses data with the requested tag. Returns the
// stored bytes and the tag actually used: an incompressible record
// falls back to CompressionNone rather than growing on disk.
func compressRecord(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("eventstore: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("eventstore: unsupported compression tag %d", tag)
	}
}

// decompressRecord reverses compressRecord. recordSize is the
// original uncompressed length, verified exactly.
func decompressRecord(stored []byte, tag CompressionTag, recordSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != recordSize {
			return nil, fmt.Errorf("eventstore: record size %d does not match expected %d", len(stored), recordSize)
		}
		return stored, nil

	case CompressionLZ4:
		destination := make([]byte, recordSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("eventstore: lz4 decompress: %w", err)
		}
		if read != recordSize {
			return nil, fmt.Errorf("eventstore: lz4 decompress: got %d bytes, expected %d", read, recordSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, recordSize))
		if err != nil {
			return nil, fmt.Errorf("eventstore: zstd decompress: %w", err)
		}
		if len(result) != recordSize {
			return nil, fmt.Errorf("eventstore: zstd decompress: got %d bytes, expected %d", len(result), recordSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("eventstore: unsupported compression tag %d", tag)
	}
}
