// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the algorithm a cache entry's bytes on
// disk were compressed with. Stored in the files table so a reader
// knows how to reverse it; changing these values would make existing
// cache directories unreadable, so treat them as a stable format.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
	compressionZstd compressionTag = 2
)

func (tag compressionTag) String() string {
	switch tag {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

func parseCompressionTag(name string) (compressionTag, error) {
	switch name {
	case "none":
		return compressionNone, nil
	case "lz4":
		return compressionLZ4, nil
	case "zstd":
		return compressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

var errIncompressible = fmt.Errorf("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cachestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cachestore: zstd decoder initialization failed: " + err.Error())
	}
}

// selectCompression probes data with zstd and picks the algorithm
// whose ratio justifies its CPU cost. Modules are typically JS/wasm
// bundles, which compress well under zstd; a quick ratio probe avoids
// hardcoding by content type.
func selectCompression(data []byte) compressionTag {
	if len(data) == 0 {
		return compressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return compressionZstd
	case ratio >= 1.1:
		return compressionLZ4
	default:
		return compressionNone
	}
}

// compressAuto compresses data with the algorithm selectCompression
// chooses. Returns the original bytes and compressionNone if nothing
// beats storing the data as-is.
func compressAuto(data []byte) ([]byte, compressionTag, error) {
	tag := selectCompression(data)
	compressed, err := compressWith(data, tag)
	if err != nil {
		if err == errIncompressible {
			return data, compressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

func compressWith(data []byte, tag compressionTag) ([]byte, error) {
	switch tag {
	case compressionNone:
		return data, nil
	case compressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dest := make([]byte, bound)
		written, err := lz4.CompressBlock(data, dest, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dest[:written], nil
	case compressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompressWith(compressed []byte, tag compressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed entry: size %d does not match expected %d", len(compressed), uncompressedSize)
		}
		return compressed, nil
	case compressionLZ4:
		dest := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, dest)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return dest, nil
	case compressionZstd:
		dest := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(compressed, dest)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
