// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// formatVersion is part of every key. Changing it orphans every payload
// written by earlier versions.
const formatVersion = "2d6b9a8e-51c3-4f07-a4e2-7c19f0b3d865"

// Key addresses one cached compression result.
type Key [32]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// KeyParams are every input that influences the compressed bytes of a
// chunk. Two writers agree on a key only if they would produce
// byte-identical blocks.
type KeyParams struct {
	ChunkHash       toc.Hash
	Method          blockcompress.Method
	BlockSize       uint32
	BufferSize      uint32
	MinBytesSaved   int
	MinPercentSaved int
}

// MakeKey derives the cache key for params.
func MakeKey(params KeyParams) Key {
	var suffix strings.Builder
	suffix.WriteString(formatVersion)
	suffix.WriteString(params.ChunkHash.String())
	suffix.WriteString(blockcompress.CacheSuffix(params.Method))
	fmt.Fprintf(&suffix, "%d_%d_%d_%d",
		params.BlockSize,
		params.BufferSize,
		params.MinBytesSaved,
		params.MinPercentSaved)
	return Key(blake3.Sum256([]byte(suffix.String())))
}
