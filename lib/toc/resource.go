// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// EncryptionAlignment is the granularity of encrypted block bytes. Every
// block occupies a multiple of this many bytes on disk whether or not
// the container is encrypted.
const EncryptionAlignment = 16

// MethodNone is the name of method index zero.
const MethodNone = "none"

// ErrNotFound is returned when a ChunkID is not present in a TOC.
var ErrNotFound = errors.New("chunk not found in toc")

// Resource is the complete in-memory TOC of a container.
//
// ChunkIDs, OffsetLengths, and Metas are parallel arrays. After
// [BuildPerfectHash] they are ordered by perfect hash slot.
// CompressionBlocks are ordered by uncompressed offset and are located
// independently of chunk order.
type Resource struct {
	ContainerID          ContainerID
	Flags                ContainerFlags
	CompressionBlockSize uint32

	// PartitionSize is the maximum size of one partition file.
	// Unlimited containers store math.MaxUint64 and always have a
	// single partition.
	PartitionSize  uint64
	PartitionCount uint32

	ChunkIDs      []ChunkID
	OffsetLengths []OffsetLength
	Metas         []EntryMeta

	PerfectHashSeeds []int32
	OverflowIndices  []int32

	CompressionBlocks []CompressedBlock

	// CompressionMethods names methods 1..N; index 0 is implicitly
	// MethodNone and is not stored.
	CompressionMethods []string

	// BlockSignatures is parallel to CompressionBlocks when the
	// container is signed and empty otherwise.
	BlockSignatures []Hash

	// DirectoryIndex is the encoded (and, for encrypted containers,
	// encrypted) [DirectoryIndex].
	DirectoryIndex []byte
}

// ChunkCount returns the number of chunks in the TOC.
func (r *Resource) ChunkCount() int {
	return len(r.ChunkIDs)
}

// MethodName returns the name of a block's compression method.
func (r *Resource) MethodName(index uint8) (string, error) {
	if index == 0 {
		return MethodNone, nil
	}
	if int(index) > len(r.CompressionMethods) {
		return "", fmt.Errorf("compression method index %d out of range (have %d)", index, len(r.CompressionMethods))
	}
	return r.CompressionMethods[index-1], nil
}

// Lookup returns the TOC index of id.
func (r *Resource) Lookup(id ChunkID) (int, bool) {
	count := len(r.ChunkIDs)
	if count == 0 {
		return 0, false
	}
	if len(r.PerfectHashSeeds) == 0 {
		for index := range r.ChunkIDs {
			if r.ChunkIDs[index] == id {
				return index, true
			}
		}
		return 0, false
	}

	seed := r.PerfectHashSeeds[hashChunkID(0, id)%uint64(len(r.PerfectHashSeeds))]
	if seed == 0 {
		return 0, false
	}

	var slot int
	if seed < 0 {
		direct := -int64(seed) - 1
		if direct >= int64(count) {
			return r.lookupOverflow(id)
		}
		slot = int(direct)
	} else {
		slot = int(hashChunkID(seed, id) % uint64(count))
	}
	if r.ChunkIDs[slot] == id {
		return slot, true
	}
	return 0, false
}

func (r *Resource) lookupOverflow(id ChunkID) (int, bool) {
	for _, slot := range r.OverflowIndices {
		if slot >= 0 && int(slot) < len(r.ChunkIDs) && r.ChunkIDs[slot] == id {
			return int(slot), true
		}
	}
	return 0, false
}

// BlockRange returns the index of the first compression block of the
// chunk at index and the number of blocks it spans.
func (r *Resource) BlockRange(index int) (first, count int) {
	blockSize := uint64(r.CompressionBlockSize)
	if blockSize == 0 {
		return 0, 0
	}
	offsetLength := r.OffsetLengths[index]
	first = int(offsetLength.Offset / blockSize)
	count = int((offsetLength.Length + blockSize - 1) / blockSize)
	return first, count
}

// Builder accumulates chunk metadata while a container is written.
// Chunks are recorded in write order; [Builder.Finalize] permutes them
// into perfect hash order.
type Builder struct {
	resource Resource
	index    map[ChunkID]int
	methods  map[string]uint8
	files    []pendingFile
}

type pendingFile struct {
	name string
	id   ChunkID
}

// NewBuilder starts a TOC for a container.
func NewBuilder(containerID ContainerID, flags ContainerFlags, compressionBlockSize uint32) *Builder {
	return &Builder{
		resource: Resource{
			ContainerID:          containerID,
			Flags:                flags,
			CompressionBlockSize: compressionBlockSize,
		},
		index:   make(map[ChunkID]int),
		methods: make(map[string]uint8),
	}
}

// AddChunk records a chunk. If id is already present the existing index
// is returned with added false and nothing changes.
func (b *Builder) AddChunk(id ChunkID, offsetLength OffsetLength, meta EntryMeta) (int, bool) {
	if existing, ok := b.index[id]; ok {
		return existing, false
	}
	index := len(b.resource.ChunkIDs)
	b.resource.ChunkIDs = append(b.resource.ChunkIDs, id)
	b.resource.OffsetLengths = append(b.resource.OffsetLengths, offsetLength)
	b.resource.Metas = append(b.resource.Metas, meta)
	b.index[id] = index
	return index, true
}

// Lookup returns the write-order index and metadata of id.
func (b *Builder) Lookup(id ChunkID) (int, EntryMeta, bool) {
	index, ok := b.index[id]
	if !ok {
		return 0, EntryMeta{}, false
	}
	return index, b.resource.Metas[index], true
}

// ChunkCount returns the number of chunks recorded so far.
func (b *Builder) ChunkCount() int {
	return len(b.resource.ChunkIDs)
}

// AddBlock appends a compression block descriptor.
func (b *Builder) AddBlock(block CompressedBlock) {
	b.resource.CompressionBlocks = append(b.resource.CompressionBlocks, block)
}

// AddBlockSignature appends the signature of the most recently added
// block.
func (b *Builder) AddBlockSignature(signature Hash) {
	b.resource.BlockSignatures = append(b.resource.BlockSignatures, signature)
}

// MethodIndex interns a compression method name and returns its index.
// MethodNone and the empty name map to zero.
func (b *Builder) MethodIndex(name string) (uint8, error) {
	if name == "" || name == MethodNone {
		return 0, nil
	}
	if index, ok := b.methods[name]; ok {
		return index, nil
	}
	if len(name) >= MethodNameLength {
		return 0, fmt.Errorf("compression method name %q exceeds %d bytes", name, MethodNameLength-1)
	}
	if len(b.resource.CompressionMethods)+1 >= MaxCompressionMethods {
		return 0, fmt.Errorf("too many compression methods (max %d)", MaxCompressionMethods-1)
	}
	b.resource.CompressionMethods = append(b.resource.CompressionMethods, name)
	index := uint8(len(b.resource.CompressionMethods))
	b.methods[name] = index
	return index, nil
}

// AddFile records a file name for the directory index. Files are
// resolved to TOC indices at finalize.
func (b *Builder) AddFile(name string, id ChunkID) {
	b.files = append(b.files, pendingFile{name: name, id: id})
}

// SetPartitions records the partition geometry.
func (b *Builder) SetPartitions(count uint32, size uint64) {
	b.resource.PartitionCount = count
	b.resource.PartitionSize = size
}

// Finalize builds the perfect hash over the recorded chunks and returns
// the resource. The builder must not be used afterwards except through
// the returned resource and [Builder.DirectoryIndex].
func (b *Builder) Finalize() (*Resource, PerfectHashStats) {
	stats := BuildPerfectHash(&b.resource, defaultSeedPrimes)
	return &b.resource, stats
}

// DirectoryIndex resolves the recorded file names against the finalized
// TOC. Files are sorted by name.
func (b *Builder) DirectoryIndex(mountPoint string) (DirectoryIndex, error) {
	index := DirectoryIndex{MountPoint: mountPoint}
	for _, file := range b.files {
		tocIndex, ok := b.resource.Lookup(file.id)
		if !ok {
			return DirectoryIndex{}, fmt.Errorf("file %q: chunk %s: %w", file.name, file.id, ErrNotFound)
		}
		index.Files = append(index.Files, FileEntry{Name: file.name, TocIndex: uint32(tocIndex)})
	}
	sort.Slice(index.Files, func(i, j int) bool {
		return index.Files[i].Name < index.Files[j].Name
	})
	return index, nil
}

// UnlimitedPartitionSize is stored for containers without a partition
// size limit.
const UnlimitedPartitionSize = math.MaxUint64
