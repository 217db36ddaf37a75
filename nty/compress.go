package nty

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// CompressionTag identifies how a segment's stored bytes are encoded. The
// values are part of the container format.
type CompressionTag uint16

const (
	CompressionNone   CompressionTag = 0
	CompressionLZ4    CompressionTag = 1
	CompressionZstd   CompressionTag = 2
	CompressionSnappy CompressionTag = 3
	CompressionXZ     CompressionTag = 4
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionXZ:
		return "xz"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(tag))
	}
}

// ParseCompressionTag parses the String form of a tag.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "xz":
		return CompressionXZ, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("nty: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSegmentSize))
	if err != nil {
		panic("nty: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with tag. When the encoded form is not smaller
// than data, data is returned unchanged with CompressionNone.
func Compress(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	var out []byte
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		out = dst[:n]

	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)

	case CompressionSnappy:
		out = snappy.Encode(nil, data)

	case CompressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, 0, fmt.Errorf("xz compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, 0, fmt.Errorf("xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("xz compress: %w", err)
		}
		out = buf.Bytes()

	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %v", tag)
	}

	// lz4 reports incompressible input as a zero-length block
	if len(out) == 0 || len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, tag, nil
}

// lz4MaxRatio is the largest expansion an lz4 block can encode: every
// input byte of a run length extends the output by at most 255 bytes.
const lz4MaxRatio = 255

// Decompress decodes stored bytes. The result must be exactly size bytes.
// The declared size is checked against what the stored bytes can produce
// before any output is allocated for it.
func Decompress(stored []byte, tag CompressionTag, size int) ([]byte, error) {
	if size < 0 || size > MaxSegmentSize {
		return nil, fmt.Errorf("%v segment: size %d outside 0..%d", tag, size, MaxSegmentSize)
	}

	var out []byte
	switch tag {
	case CompressionNone:
		out = stored

	case CompressionLZ4:
		if size > len(stored)*lz4MaxRatio+16 {
			return nil, fmt.Errorf("lz4 decompress: %d stored bytes cannot hold %d", len(stored), size)
		}
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = out[:n]

	case CompressionZstd:
		var header zstd.Header
		if err := header.Decode(stored); err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if header.HasFCS && header.FrameContentSize != uint64(size) {
			return nil, fmt.Errorf("zstd decompress: frame holds %d bytes, expected %d", header.FrameContentSize, size)
		}
		var err error
		out, err = zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}

	case CompressionSnappy:
		n, err := snappy.DecodedLen(stored)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("snappy decompress: block holds %d bytes, expected %d", n, size)
		}
		out, err = snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}

	case CompressionXZ:
		r, err := xz.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(r, int64(size)+1)); err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
		out = buf.Bytes()

	default:
		return nil, fmt.Errorf("unsupported compression tag: %v", tag)
	}

	if len(out) != size {
		return nil, fmt.Errorf("%v segment: got %d bytes, expected %d", tag, len(out), size)
	}
	return out, nil
}
