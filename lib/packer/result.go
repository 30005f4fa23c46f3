// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"errors"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

var (
	// ErrInvalidChunkID is returned by Append for the zero ChunkID.
	ErrInvalidChunkID = errors.New("invalid chunk id")

	// ErrDuplicateChunkID fails a Flush when one ChunkID was appended
	// twice with different content.
	ErrDuplicateChunkID = errors.New("chunk id appended twice with different content")

	// ErrChunkTooLarge fails a Flush when a chunk's encoded size
	// exceeds the maximum partition size.
	ErrChunkTooLarge = errors.New("chunk is larger than the maximum partition size")

	// ErrContainerFinalized is returned by operations that require a
	// container which has not been flushed yet.
	ErrContainerFinalized = errors.New("container already flushed")

	// ErrMissingEncryptionKey is returned by CreateContainer for an
	// encrypted container without a key.
	ErrMissingEncryptionKey = errors.New("encrypted container requires an encryption key")
)

// Result summarizes a finalized container.
type Result struct {
	ContainerID       toc.ContainerID    `json:"container_id"`
	ContainerName     string             `json:"container_name"`
	ContainerFlags    toc.ContainerFlags `json:"container_flags"`
	CompressionMethod string             `json:"compression_method"`
	TocPath           string             `json:"toc_path"`
	TocSize           uint64             `json:"toc_size"`
	TocEntryCount     int                `json:"toc_entry_count"`

	// PaddingSize is alignment padding written between chunks and at
	// partition ends.
	PaddingSize uint64 `json:"padding_size"`

	// UncompressedContainerSize is the sum of chunk sizes plus padding.
	// CompressedContainerSize is the sum of partition file sizes.
	UncompressedContainerSize uint64 `json:"uncompressed_container_size"`
	CompressedContainerSize   uint64 `json:"compressed_container_size"`

	// TotalEntryCompressedSize excludes encryption alignment.
	TotalEntryCompressedSize uint64 `json:"total_entry_compressed_size"`

	// ReferenceCacheMissBytes counts compressed bytes of chunks that
	// were eligible for reference database reuse but were compressed
	// locally.
	ReferenceCacheMissBytes uint64 `json:"reference_cache_miss_bytes"`

	DirectoryIndexSize int `json:"directory_index_size"`

	AddedChunksCount    int    `json:"added_chunks_count"`
	AddedChunksSize     uint64 `json:"added_chunks_size"`
	ModifiedChunksCount int    `json:"modified_chunks_count"`
	ModifiedChunksSize  uint64 `json:"modified_chunks_size"`

	PerfectHash toc.PerfectHashStats `json:"perfect_hash"`
	Partitions  []PartitionResult    `json:"partitions"`

	// ContextStats are the writer context's counters when the
	// container was finalized. They cover every container of the
	// context, not only this one.
	ContextStats Stats `json:"context_stats"`
}

// PartitionResult describes one partition file.
type PartitionResult struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	Digest string `json:"digest"`
}
