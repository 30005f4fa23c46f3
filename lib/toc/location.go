// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bureau-foundation/chunkpack/lib/codec"
)

const (
	tocExtension       = ".toc"
	partitionExtension = ".cas"
)

// TocPath returns the TOC file path of a container base path.
func TocPath(basePath string) string {
	return basePath + tocExtension
}

// PartitionPath returns the file path of partition index of the
// container at basePath: base.cas for the first partition, then
// base_s1.cas, base_s2.cas, and so on.
func PartitionPath(basePath string, index int) string {
	if index == 0 {
		return basePath + partitionExtension
	}
	return fmt.Sprintf("%s_s%d%s", basePath, index, partitionExtension)
}

// BasePath strips the TOC extension from a TOC path.
func BasePath(tocPath string) string {
	return strings.TrimSuffix(tocPath, tocExtension)
}

// AlignedSize rounds a compressed block size up to the on-disk
// encryption granularity.
func AlignedSize(compressedSize uint32) uint64 {
	return alignUp(uint64(compressedSize), EncryptionAlignment)
}

func alignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) / alignment * alignment
}

// ChunkLocation is where a chunk's bytes live on disk.
type ChunkLocation struct {
	Index        int
	ID           ChunkID
	Meta         EntryMeta
	OffsetLength OffsetLength

	// FirstBlock and BlockCount index Resource.CompressionBlocks.
	FirstBlock int
	BlockCount int

	// Partition and PartitionOffset locate the first block. DiskSize
	// is the sum of the blocks' aligned sizes.
	Partition       int
	PartitionOffset uint64
	DiskSize        uint64
}

// ChunkLocations returns the location of every chunk, ordered by disk
// position (partition, then offset). Chunks without blocks sort first.
func (r *Resource) ChunkLocations() ([]ChunkLocation, error) {
	locations := make([]ChunkLocation, 0, len(r.ChunkIDs))
	for index, id := range r.ChunkIDs {
		location, err := r.Location(index)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}
		locations = append(locations, location)
	}
	sort.SliceStable(locations, func(i, j int) bool {
		if locations[i].Partition != locations[j].Partition {
			return locations[i].Partition < locations[j].Partition
		}
		return locations[i].PartitionOffset < locations[j].PartitionOffset
	})
	return locations, nil
}

// Location computes the disk location of the chunk at index.
func (r *Resource) Location(index int) (ChunkLocation, error) {
	first, count := r.BlockRange(index)
	location := ChunkLocation{
		Index:        index,
		ID:           r.ChunkIDs[index],
		Meta:         r.Metas[index],
		OffsetLength: r.OffsetLengths[index],
		FirstBlock:   first,
		BlockCount:   count,
	}
	if count == 0 {
		return location, nil
	}
	if first+count > len(r.CompressionBlocks) {
		return location, fmt.Errorf("blocks %d..%d out of range (have %d)", first, first+count, len(r.CompressionBlocks))
	}
	partitionSize := r.PartitionSize
	if partitionSize == 0 {
		partitionSize = UnlimitedPartitionSize
	}
	head := r.CompressionBlocks[first]
	location.Partition = int(head.Offset / partitionSize)
	location.PartitionOffset = head.Offset % partitionSize
	for _, block := range r.CompressionBlocks[first : first+count] {
		location.DiskSize += AlignedSize(block.CompressedSize)
	}
	return location, nil
}

// DirectoryIndex maps file names to TOC indices.
type DirectoryIndex struct {
	MountPoint string      `json:"mount_point"`
	Files      []FileEntry `json:"files"`
}

// FileEntry is one file of a DirectoryIndex.
type FileEntry struct {
	Name     string `json:"name"`
	TocIndex uint32 `json:"toc_index"`
}

// EncodeDirectoryIndex serializes a directory index.
func EncodeDirectoryIndex(index DirectoryIndex) ([]byte, error) {
	data, err := codec.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("encoding directory index: %w", err)
	}
	return data, nil
}

// DecodeDirectoryIndex parses a directory index produced by
// EncodeDirectoryIndex. Encrypted containers must decrypt it first.
func DecodeDirectoryIndex(data []byte) (DirectoryIndex, error) {
	var index DirectoryIndex
	if err := codec.Unmarshal(data, &index); err != nil {
		return DirectoryIndex{}, fmt.Errorf("decoding directory index: %w", err)
	}
	return index, nil
}
