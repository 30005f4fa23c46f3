// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/bureau-foundation/chunkpack/lib/codec"
)

// ErrMalformedPayload is returned by DecodePayload for any value that
// does not describe a valid block list. Callers treat it as a miss.
var ErrMalformedPayload = errors.New("malformed content cache payload")

// MaxPayloadSize caps the decoded body of a cached value. Values
// claiming more are rejected before anything is allocated.
const MaxPayloadSize = 1 << 30

// Payload is the cached compression result of one chunk.
type Payload struct {
	UncompressedSize uint64         `cbor:"uncompressed_size"`
	Blocks           []PayloadBlock `cbor:"blocks"`
}

// PayloadBlock is one compressed block. A CompressedSize equal to the
// block's uncompressed size means the block is stored uncompressed.
type PayloadBlock struct {
	CompressedSize uint32 `cbor:"compressed_size"`
	Data           []byte `cbor:"data"`
}

// EncodePayload serializes a payload: deterministic CBOR inside an S2
// envelope.
func EncodePayload(payload Payload) ([]byte, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding cache payload: %w", err)
	}
	return s2.Encode(nil, body), nil
}

// DecodePayload parses and validates a cached value. blockSize and
// bufferSize are the reader's settings; a payload whose block layout
// does not match them is rejected.
func DecodePayload(value []byte, blockSize, bufferSize uint32) (Payload, error) {
	bodySize, err := s2.DecodedLen(value)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: envelope: %v", ErrMalformedPayload, err)
	}
	if bodySize > MaxPayloadSize {
		return Payload{}, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformedPayload, bodySize, MaxPayloadSize)
	}
	body, err := s2.Decode(nil, value)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: envelope: %v", ErrMalformedPayload, err)
	}
	var payload Payload
	if err := codec.Unmarshal(body, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: body: %v", ErrMalformedPayload, err)
	}
	if blockSize == 0 {
		return Payload{}, fmt.Errorf("%w: zero block size", ErrMalformedPayload)
	}

	wantBlocks := (payload.UncompressedSize + uint64(blockSize) - 1) / uint64(blockSize)
	if uint64(len(payload.Blocks)) != wantBlocks {
		return Payload{}, fmt.Errorf("%w: %d blocks for %d bytes at block size %d",
			ErrMalformedPayload, len(payload.Blocks), payload.UncompressedSize, blockSize)
	}

	remaining := payload.UncompressedSize
	for index, block := range payload.Blocks {
		uncompressed := min(remaining, uint64(blockSize))
		remaining -= uncompressed
		switch {
		case block.CompressedSize == 0:
			return Payload{}, fmt.Errorf("%w: block %d is empty", ErrMalformedPayload, index)
		case uint64(block.CompressedSize) > uncompressed:
			return Payload{}, fmt.Errorf("%w: block %d compressed size %d exceeds uncompressed size %d",
				ErrMalformedPayload, index, block.CompressedSize, uncompressed)
		case block.CompressedSize > bufferSize:
			return Payload{}, fmt.Errorf("%w: block %d compressed size %d exceeds buffer size %d",
				ErrMalformedPayload, index, block.CompressedSize, bufferSize)
		case len(block.Data) != int(block.CompressedSize):
			return Payload{}, fmt.Errorf("%w: block %d carries %d bytes, header says %d",
				ErrMalformedPayload, index, len(block.Data), block.CompressedSize)
		}
	}
	return payload, nil
}
