// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"context"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// ReferenceChunkDatabase supplies compressed chunks from previously
// built containers. A chunk found there is copied block for block
// instead of being compressed again.
type ReferenceChunkDatabase interface {
	// CompressionBlockSize is the block size of every indexed
	// container. A database whose block size differs from the
	// writer's is ignored.
	CompressionBlockSize() uint32

	// NotifyAddedToContainer tells the database which container is
	// about to be written so it can preload that container's chunks.
	NotifyAddedToContainer(containerID toc.ContainerID, containerName string)

	// ChunkExists reports whether a chunk with this content hash was
	// written to an earlier build of the container, and how many
	// blocks it has. It must be cheap; Append calls it inline.
	ChunkExists(containerID toc.ContainerID, hash toc.Hash, id toc.ChunkID) (blockCount int, ok bool)

	// RetrieveChunk reads the chunk's compressed blocks. The writer
	// calls it from a worker goroutine.
	RetrieveChunk(ctx context.Context, containerID toc.ContainerID, hash toc.Hash, id toc.ChunkID) (*ReferenceChunk, error)
}

// ReferenceChunk is a chunk retrieved from a reference database.
type ReferenceChunk struct {
	Blocks []ReferenceBlock
}

// ReferenceBlock is one decrypted, unpadded compressed block.
type ReferenceBlock struct {
	Method           blockcompress.Method
	CompressedSize   uint32
	UncompressedSize uint32

	// Data holds exactly CompressedSize bytes.
	Data []byte
}

// UncompressedSize returns the sum of the blocks' uncompressed sizes.
func (c *ReferenceChunk) UncompressedSize() uint64 {
	var total uint64
	for _, block := range c.Blocks {
		total += uint64(block.UncompressedSize)
	}
	return total
}
