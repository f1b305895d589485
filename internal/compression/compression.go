// Package compression provides block compression for table and WAL data.
//
// Only two codecs are recognized: an identity passthrough and a fast
// byte-stream codec (Snappy) negotiated per block via a 1-byte type tag
// stored immediately after the block's payload.
//
// Reference: util/compression.h, util/compression.cc
package compression

import (
	"fmt"

	"github.com/golang/snappy"
)

// Type represents a block compression algorithm.
type Type uint8

const (
	// NoCompression stores the block payload unmodified.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy, a fast byte-stream codec.
	SnappyCompression Type = 0x1
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression:
		return true
	default:
		return false
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	return DecompressWithSize(t, data, 0)
}

// DecompressWithSize decompresses data with a known uncompressed size hint.
// The size hint is unused by the codecs supported here but is kept so callers
// do not need to special-case codecs that do require it.
func DecompressWithSize(t Type, data []byte, _ int) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
