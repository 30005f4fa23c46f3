// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// entryState is the pipeline position of a writeEntry.
type entryState uint8

const (
	stateHashing entryState = iota
	stateAwaitingReference
	stateAwaitingCache
	stateCompressing
	stateEncryptingSigning
	stateWriting
	stateDone
)

var entryStateNames = [...]string{
	stateHashing:           "hashing",
	stateAwaitingReference: "awaiting_reference",
	stateAwaitingCache:     "awaiting_cache",
	stateCompressing:       "compressing",
	stateEncryptingSigning: "encrypting_signing",
	stateWriting:           "writing",
	stateDone:              "done",
}

func (s entryState) String() string {
	if int(s) < len(entryStateNames) {
		return entryStateNames[s]
	}
	return fmt.Sprintf("entryState(%d)", uint8(s))
}

// writeEntry is one appended chunk on its way through the pipeline.
// Exactly one goroutine works on an entry at a time; ownership passes
// with the work queues and the barrier channels below.
type writeEntry struct {
	writer   *ContainerWriter
	sequence int
	id       toc.ChunkID
	source   Source
	options  WriteOptions
	method   blockcompress.Method
	state    entryState

	hash toc.Hash

	// memoryEstimate is the buffer memory the entry may hold between
	// scheduling and being written.
	memoryEstimate uint64

	useCache         bool
	cacheKey         contentcache.Key
	foundInCache     bool
	mustStoreInCache bool

	couldBeFromReferenceDB bool
	loadedFromReferenceDB  bool
	referenceBlockCount    int

	// Diff mode: added has no counterpart in the previous build,
	// modified has one with a different hash. partitionIndex pins an
	// unchanged chunk to its previous partition, or is -1, and
	// previousDiskSize is the space reserved for it there.
	added            bool
	modified         bool
	partitionIndex   int
	previousDiskSize uint64

	uncompressedSize uint64
	blocks           []chunkBlock
	pendingTasks     atomic.Int32
	compressedSize   uint64
	diskSize         uint64

	// err is a fatal failure recorded by an earlier stage. The writer
	// stage reports it.
	err error

	// sourceReady closes once the entry's data is available to the
	// compression stage: source bytes loaded, or blocks filled from the
	// cache or reference database. compressed closes after every block
	// task. encrypted closes after encryption and signing.
	sourceReady chan struct{}
	compressed  chan struct{}
	encrypted   chan struct{}
}

// chunkBlock is one block of an entry.
type chunkBlock struct {
	buffer           *pooledBuffer
	uncompressed     []byte
	method           blockcompress.Method
	compressedSize   uint32
	uncompressedSize uint32
	diskSize         uint32
	signature        toc.Hash
}

func newWriteEntry(writer *ContainerWriter, sequence int, id toc.ChunkID, source Source, options WriteOptions) *writeEntry {
	return &writeEntry{
		writer:         writer,
		sequence:       sequence,
		id:             id,
		source:         source,
		options:        options,
		partitionIndex: -1,
		sourceReady:    make(chan struct{}),
		compressed:     make(chan struct{}),
		encrypted:      make(chan struct{}),
	}
}

func (e *writeEntry) chunkType() toc.ChunkType {
	return e.id.Type()
}

// blockCount returns the number of blocks a chunk of size bytes spans.
func blockCount(size uint64, blockSize uint32) int {
	return int((size + uint64(blockSize) - 1) / uint64(blockSize))
}

// allocateBlocks checks out one buffer per block and sets uncompressed
// sizes. data, when non-nil, is split into the blocks' uncompressed
// views.
func (e *writeEntry) allocateBlocks(pool *bufferPool, count int, blockSize uint32, data []byte) {
	e.blocks = make([]chunkBlock, count)
	remaining := e.uncompressedSize
	for index := range e.blocks {
		block := &e.blocks[index]
		block.buffer = pool.acquire()
		block.method = e.method
		block.uncompressedSize = uint32(min(remaining, uint64(blockSize)))
		remaining -= uint64(block.uncompressedSize)
		if data != nil {
			block.uncompressed = data[:block.uncompressedSize]
			data = data[block.uncompressedSize:]
		}
	}
}

// releaseBlocks returns every block buffer to the pool.
func (e *writeEntry) releaseBlocks() {
	for index := range e.blocks {
		e.blocks[index].buffer.Release()
		e.blocks[index].buffer = nil
		e.blocks[index].uncompressed = nil
	}
	e.blocks = nil
}

// compressedBytes returns the stored bytes of a block, before
// encryption padding.
func (b *chunkBlock) compressedBytes() []byte {
	return b.buffer.Bytes()[:b.compressedSize]
}

// diskBytes returns the bytes of a block as written to the partition.
func (b *chunkBlock) diskBytes() []byte {
	return b.buffer.Bytes()[:b.diskSize]
}

// payload converts the entry's blocks into a cache payload. Block data
// aliases the pooled buffers; encode it before the buffers change.
func (e *writeEntry) payload() contentcache.Payload {
	payload := contentcache.Payload{
		UncompressedSize: e.uncompressedSize,
		Blocks:           make([]contentcache.PayloadBlock, len(e.blocks)),
	}
	for index := range e.blocks {
		block := &e.blocks[index]
		payload.Blocks[index] = contentcache.PayloadBlock{
			CompressedSize: block.compressedSize,
			Data:           block.compressedBytes(),
		}
	}
	return payload
}

// applyPayload fills the entry's blocks from a decoded cache payload.
func (e *writeEntry) applyPayload(pool *bufferPool, blockSize uint32, payload contentcache.Payload) {
	e.uncompressedSize = payload.UncompressedSize
	e.allocateBlocks(pool, len(payload.Blocks), blockSize, nil)
	for index, cached := range payload.Blocks {
		block := &e.blocks[index]
		block.compressedSize = cached.CompressedSize
		if block.compressedSize == block.uncompressedSize {
			block.method = blockcompress.None
		}
		copy(block.buffer.Bytes(), cached.Data)
	}
}
