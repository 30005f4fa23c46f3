// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"fmt"
	"strings"
)

// Field limits of the packed on-disk records.
const (
	// MaxOffset bounds offsets and lengths stored in 40 bits.
	MaxOffset = 1<<40 - 1

	// MaxBlockSize bounds block sizes stored in 24 bits. Compression
	// block sizes are powers of two, so the largest usable size is
	// 8 MiB.
	MaxBlockSize = 1<<24 - 1

	// MaxCompressionMethods is the capacity of the method name table
	// (method index is one byte).
	MaxCompressionMethods = 256

	// MethodNameLength is the fixed width of a method name entry.
	MethodNameLength = 32
)

// ContainerID identifies a container across builds. The reference
// chunk database matches chunks within the same ContainerID.
type ContainerID uint64

// String returns the ID in fixed-width hex.
func (c ContainerID) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// ContainerFlags describe how a container's blocks are encoded.
type ContainerFlags uint8

const (
	ContainerCompressed ContainerFlags = 1 << iota
	ContainerEncrypted
	ContainerSigned
	ContainerIndexed
)

// Has reports whether every bit in flag is set.
func (f ContainerFlags) Has(flag ContainerFlags) bool {
	return f&flag == flag
}

func (f ContainerFlags) String() string {
	var names []string
	for _, candidate := range []struct {
		flag ContainerFlags
		name string
	}{
		{ContainerCompressed, "compressed"},
		{ContainerEncrypted, "encrypted"},
		{ContainerSigned, "signed"},
		{ContainerIndexed, "indexed"},
	} {
		if f.Has(candidate.flag) {
			names = append(names, candidate.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// OffsetLength locates a chunk in the uncompressed address space.
type OffsetLength struct {
	Offset uint64
	Length uint64
}

// End returns Offset + Length.
func (o OffsetLength) End() uint64 {
	return o.Offset + o.Length
}

// CompressedBlock describes one compression block on disk.
//
// Offset is the block's position in the concatenated partition space:
// partition index times the partition size, plus the offset within
// that partition. CompressedSize is the encoded size before encryption
// padding; the bytes occupied on disk are CompressedSize rounded up to
// the encryption alignment.
type CompressedBlock struct {
	Offset           uint64
	CompressedSize   uint32
	UncompressedSize uint32

	// MethodIndex indexes Resource.CompressionMethods. Zero means the
	// block is stored uncompressed.
	MethodIndex uint8
}

// MetaFlags are per-chunk flags stored with the content hash.
type MetaFlags uint8

const (
	// MetaCompressed is set when at least one block of the chunk is
	// stored compressed.
	MetaCompressed MetaFlags = 1 << iota

	// MetaMemoryMapped is set when the chunk's first byte is aligned
	// for memory mapping and every block is stored uncompressed.
	MetaMemoryMapped
)

// EntryMeta is the metadata record of a chunk.
type EntryMeta struct {
	Hash  Hash
	Flags MetaFlags
}
