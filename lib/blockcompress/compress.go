// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcompress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method identifies the compression algorithm of a block. Method names
// (not values) are what a container's TOC records, so values are free
// to change; names are protocol constants.
type Method uint8

const (
	// None stores the block verbatim.
	None Method = iota

	// LZ4 is block-mode LZ4. Fast default for mixed binary data.
	LZ4

	// Zstd is zstd at the default level. Better ratios for text-like
	// content.
	Zstd

	// S2 is the Snappy-compatible S2 block format. Faster than LZ4 to
	// encode on most inputs, at a slightly worse ratio.
	S2

	// BG4LZ4 transposes 4-byte groups before LZ4. Effective for arrays
	// of float32 values whose neighbours have similar exponents.
	BG4LZ4

	methodCount
)

var methodNames = [methodCount]string{
	None:   "none",
	LZ4:    "lz4",
	Zstd:   "zstd",
	S2:     "s2",
	BG4LZ4: "bg4_lz4",
}

// cacheSuffixes identify the exact encoder configuration of each
// method. They feed content cache keys, so a change to an encoder's
// level or format must change its suffix.
var cacheSuffixes = [methodCount]string{
	None:   "none",
	LZ4:    "lz4-block-v4",
	Zstd:   "zstd-default-v1",
	S2:     "s2-block-v1",
	BG4LZ4: "bg4-lz4-block-v4",
}

// ErrIncompressible is returned by Compress when the encoded output
// does not fit in the destination buffer.
var ErrIncompressible = errors.New("block is incompressible")

func (m Method) String() string {
	if m < methodCount {
		return methodNames[m]
	}
	return fmt.Sprintf("unknown(%d)", uint8(m))
}

// ParseMethod parses a method from its name.
func ParseMethod(name string) (Method, error) {
	for index, candidate := range methodNames {
		if candidate == name {
			return Method(index), nil
		}
	}
	return None, fmt.Errorf("unknown compression method %q", name)
}

// CacheSuffix returns the identifier of the method's encoder
// configuration for use in content cache keys.
func CacheSuffix(m Method) string {
	if m < methodCount {
		return cacheSuffixes[m]
	}
	return ""
}

// CompressBound returns the largest encoded size of n input bytes.
func CompressBound(m Method, n int) int {
	switch m {
	case LZ4, BG4LZ4:
		return lz4.CompressBlockBound(n)
	case Zstd:
		// ZSTD_COMPRESSBOUND.
		bound := n + n>>8
		if n < 128<<10 {
			bound += (128<<10 - n) >> 11
		}
		return bound
	case S2:
		bound := s2.MaxEncodedLen(n)
		if bound < 0 {
			return n
		}
		return bound
	default:
		return n
	}
}

// WorthIt reports whether a compressed block should be kept. The
// encoding must shrink the block by at least minBytesSaved bytes AND
// by at least minPercentSaved percent; otherwise the block is stored
// uncompressed and readers skip the decompression cost.
func WorthIt(uncompressedSize, compressedSize, minBytesSaved, minPercentSaved int) bool {
	if compressedSize <= 0 || compressedSize >= uncompressedSize {
		return false
	}
	saved := uncompressedSize - compressedSize
	if saved < minBytesSaved {
		return false
	}
	return saved*100 >= minPercentSaved*uncompressedSize
}

// Compress encodes src into dst and returns the encoded length. dst
// should be at least CompressBound(m, len(src)) bytes; a shorter dst
// may yield ErrIncompressible. None copies src verbatim.
func Compress(m Method, dst, src []byte) (int, error) {
	switch m {
	case None:
		if len(dst) < len(src) {
			return 0, ErrIncompressible
		}
		return copy(dst, src), nil

	case LZ4:
		written, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return 0, ErrIncompressible
		}
		return written, nil

	case Zstd:
		return placeInto(dst, zstdEncoder.EncodeAll(src, dst[:0]))

	case S2:
		if len(dst) < s2.MaxEncodedLen(len(src)) {
			return 0, ErrIncompressible
		}
		return placeInto(dst, s2.Encode(dst, src))

	case BG4LZ4:
		return Compress(LZ4, dst, bg4Transpose(src))

	default:
		return 0, fmt.Errorf("unsupported compression method %d", m)
	}
}

// Decompress decodes src into dst, which must be exactly the block's
// uncompressed length.
func Decompress(m Method, dst, src []byte) error {
	switch m {
	case None:
		if len(src) != len(dst) {
			return fmt.Errorf("uncompressed block: size %d does not match expected %d", len(src), len(dst))
		}
		copy(dst, src)
		return nil

	case LZ4:
		read, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != len(dst) {
			return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, len(dst))
		}
		return nil

	case Zstd:
		result, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != len(dst) {
			return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), len(dst))
		}
		_, err = placeInto(dst, result)
		return err

	case S2:
		decodedLength, err := s2.DecodedLen(src)
		if err != nil {
			return fmt.Errorf("s2 decompress: %w", err)
		}
		if decodedLength != len(dst) {
			return fmt.Errorf("s2 decompress: encoded length %d, expected %d", decodedLength, len(dst))
		}
		result, err := s2.Decode(dst, src)
		if err != nil {
			return fmt.Errorf("s2 decompress: %w", err)
		}
		_, err = placeInto(dst, result)
		return err

	case BG4LZ4:
		transposed := make([]byte, len(dst))
		if err := Decompress(LZ4, transposed, src); err != nil {
			return err
		}
		copy(dst, bg4Untranspose(transposed))
		return nil

	default:
		return fmt.Errorf("unsupported compression method %d", m)
	}
}

// placeInto makes sure an encoder's output lives in dst. Encoders
// that append reuse dst's backing array when it is large enough and
// reallocate otherwise.
func placeInto(dst, result []byte) (int, error) {
	if len(result) > len(dst) {
		return 0, ErrIncompressible
	}
	if len(result) > 0 && &result[0] != &dst[0] {
		copy(dst, result)
	}
	return len(result), nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		panic("blockcompress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blockcompress: zstd decoder initialization failed: " + err.Error())
	}
}

// bg4Transpose groups byte 0 of every 4-byte word first, then byte 1,
// and so on. Trailing bytes that do not fill a word are appended
// unchanged.
func bg4Transpose(data []byte) []byte {
	groupCount := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groupCount; i++ {
		output[i] = data[i*4]
		output[groupCount+i] = data[i*4+1]
		output[groupCount*2+i] = data[i*4+2]
		output[groupCount*3+i] = data[i*4+3]
	}
	copy(output[groupCount*4:], data[groupCount*4:])
	return output
}

func bg4Untranspose(data []byte) []byte {
	groupCount := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groupCount; i++ {
		output[i*4] = data[i]
		output[i*4+1] = data[groupCount+i]
		output[i*4+2] = data[groupCount*2+i]
		output[i*4+3] = data[groupCount*3+i]
	}
	copy(output[groupCount*4:], data[groupCount*4:])
	return output
}
