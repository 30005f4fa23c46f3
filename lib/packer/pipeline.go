// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// blocksPerTask is how many blocks one compression task handles.
const blocksPerTask = 4

// pipeline is one Flush: a scheduler feeding three stage goroutines
// (compress, encrypt and sign, write) through work queues.
type pipeline struct {
	c *Context

	compressQueue *workQueue[*writeEntry]
	encryptQueue  *workQueue[*writeEntry]
	writeQueue    *workQueue[*writeEntry]

	// tasks runs block compression and encryption.
	tasks errgroup.Group

	gets *contentcache.GetDispatcher
	puts *contentcache.PutDispatcher
}

func newPipeline(c *Context) *pipeline {
	p := &pipeline{
		c:             c,
		compressQueue: newWorkQueue[*writeEntry](),
		encryptQueue:  newWorkQueue[*writeEntry](),
		writeQueue:    newWorkQueue[*writeEntry](),
	}
	p.tasks.SetLimit(c.settings.CompressConcurrency)
	if c.settings.UseCache {
		p.gets = contentcache.NewGetDispatcher(c.settings.Cache, c.settings.GetDispatch, c.clock, c.logger)
		p.puts = contentcache.NewPutDispatcher(c.settings.Cache, c.settings.PutDispatch, c.clock, c.logger)
	}
	return p
}

// run pushes entries through every stage and returns the first fatal
// error. The pipeline always drains, so buffers and memory are
// released even on failure.
func (p *pipeline) run(ctx context.Context, entries []*writeEntry) error {
	var stages errgroup.Group
	stages.Go(func() error {
		p.compressStage(ctx)
		return nil
	})
	stages.Go(func() error {
		p.encryptStage(ctx)
		return nil
	})
	stages.Go(p.writeStage)

	p.schedule(ctx, entries)

	err := stages.Wait()
	p.tasks.Wait()
	return err
}

// schedule starts every entry's data on its way, in final order,
// without letting estimated buffer memory exceed the budget.
func (p *pipeline) schedule(ctx context.Context, entries []*writeEntry) {
	c := p.c
	for _, entry := range entries {
		for c.memory.mustWait(entry.memoryEstimate) {
			select {
			case <-c.memory.released:
			case <-c.clock.After(memoryWaitInterval):
				// Entries waiting on unsent cache lookups never release
				// memory.
				if p.gets != nil {
					p.gets.DispatchIfReady(ctx, true)
				}
			}
		}
		c.memory.reserve(entry.memoryEstimate)

		switch {
		case entry.loadedFromReferenceDB:
			p.loadFromReference(ctx, entry)
		case entry.useCache && p.gets != nil:
			p.requestFromCache(ctx, entry)
		default:
			entry.state = stateCompressing
			go p.loadSource(ctx, entry)
		}

		if p.gets != nil {
			p.gets.DispatchIfReady(ctx, false)
		}
		p.compressQueue.enqueue(entry)
	}
	if p.gets != nil {
		p.gets.Flush(ctx)
	}
	p.compressQueue.completeAdding()
}

// loadSource prepares the entry's source and opens its sourceReady
// barrier.
func (p *pipeline) loadSource(ctx context.Context, entry *writeEntry) {
	if err := entry.source.Prepare(ctx); err != nil {
		entry.err = fmt.Errorf("loading chunk %s: %w", entry.id, err)
	}
	close(entry.sourceReady)
}

func (p *pipeline) requestFromCache(ctx context.Context, entry *writeEntry) {
	settings := &p.c.settings
	entry.state = stateAwaitingCache
	entry.cacheKey = contentcache.MakeKey(contentcache.KeyParams{
		ChunkHash:       entry.hash,
		Method:          entry.method,
		BlockSize:       settings.CompressionBlockSize,
		BufferSize:      uint32(p.c.bufferSize),
		MinBytesSaved:   settings.MinBytesSaved,
		MinPercentSaved: settings.MinPercentSaved,
	})
	p.gets.Queue(contentcache.GetRequest{
		Key:  entry.cacheKey,
		Name: entry.id.String(),
		Size: entry.source.SizeEstimate(),
		Done: func(value []byte, found bool) {
			p.handleCacheResult(ctx, entry, value, found)
		},
	})
}

// handleCacheResult runs on a dispatcher goroutine. A hit fills the
// entry's blocks; a miss or an unusable payload sends the entry to
// local compression and marks it for storing.
func (p *pipeline) handleCacheResult(ctx context.Context, entry *writeEntry, value []byte, found bool) {
	c := p.c
	if found {
		payload, err := contentcache.DecodePayload(value, c.settings.CompressionBlockSize, uint32(c.bufferSize))
		if err == nil {
			entry.applyPayload(c.pool, c.settings.CompressionBlockSize, payload)
			entry.foundInCache = true
			var compressed uint64
			for _, block := range payload.Blocks {
				compressed += uint64(block.CompressedSize)
			}
			c.metrics.CacheHit(entry.chunkType(), compressed)
			close(entry.sourceReady)
			return
		}
		c.logger.Warn("ignoring invalid content cache payload",
			"chunk_id", entry.id.String(),
			"key", entry.cacheKey.String(),
			"size_estimate", entry.source.SizeEstimate(),
			"error", err,
		)
	}
	entry.mustStoreInCache = true
	c.metrics.CacheMiss(entry.chunkType())
	go p.loadSource(ctx, entry)
}

// loadFromReference retrieves the entry's compressed blocks from the
// reference database. A failed retrieval falls back to the source.
func (p *pipeline) loadFromReference(ctx context.Context, entry *writeEntry) {
	c := p.c
	entry.state = stateAwaitingReference
	if entry.referenceBlockCount == 0 {
		entry.uncompressedSize = 0
		close(entry.sourceReady)
		return
	}
	database := entry.writer.referenceDB
	containerID := entry.writer.settings.ContainerID
	go func() {
		chunk, err := database.RetrieveChunk(ctx, containerID, entry.hash, entry.id)
		if err == nil {
			err = p.applyReferenceChunk(entry, chunk)
		}
		if err != nil {
			c.logger.Warn("reference chunk retrieval failed, compressing from source",
				"container", entry.writer.name,
				"chunk_id", entry.id.String(),
				"chunk_hash", entry.hash.String(),
				"error", err,
			)
			c.metrics.ReferenceRetrieveFailed(entry.chunkType())
			entry.releaseBlocks()
			entry.loadedFromReferenceDB = false
			entry.state = stateCompressing
			p.loadSource(ctx, entry)
			return
		}
		close(entry.sourceReady)
	}()
}

func (p *pipeline) applyReferenceChunk(entry *writeEntry, chunk *ReferenceChunk) error {
	c := p.c
	blockSize := c.settings.CompressionBlockSize
	if chunk == nil || len(chunk.Blocks) != entry.referenceBlockCount {
		got := 0
		if chunk != nil {
			got = len(chunk.Blocks)
		}
		return fmt.Errorf("reference chunk has %d blocks, expected %d", got, entry.referenceBlockCount)
	}
	var compressed uint64
	for index, block := range chunk.Blocks {
		last := index == len(chunk.Blocks)-1
		switch {
		case block.UncompressedSize == 0 || block.UncompressedSize > blockSize:
			return fmt.Errorf("reference block %d: uncompressed size %d outside 1..%d", index, block.UncompressedSize, blockSize)
		case !last && block.UncompressedSize != blockSize:
			return fmt.Errorf("reference block %d: uncompressed size %d is not the block size", index, block.UncompressedSize)
		case block.CompressedSize == 0 || block.CompressedSize > block.UncompressedSize:
			return fmt.Errorf("reference block %d: compressed size %d invalid for %d bytes", index, block.CompressedSize, block.UncompressedSize)
		case int(block.CompressedSize) > c.bufferSize:
			return fmt.Errorf("reference block %d: compressed size %d exceeds buffer size %d", index, block.CompressedSize, c.bufferSize)
		case len(block.Data) != int(block.CompressedSize):
			return fmt.Errorf("reference block %d: %d bytes for compressed size %d", index, len(block.Data), block.CompressedSize)
		}
		compressed += uint64(block.CompressedSize)
	}

	entry.uncompressedSize = chunk.UncompressedSize()
	entry.allocateBlocks(c.pool, len(chunk.Blocks), blockSize, nil)
	for index, reference := range chunk.Blocks {
		block := &entry.blocks[index]
		block.method = reference.Method
		block.compressedSize = reference.CompressedSize
		block.uncompressedSize = reference.UncompressedSize
		copy(block.buffer.Bytes(), reference.Data)
	}
	c.metrics.ReferenceHit(entry.chunkType(), compressed)
	return nil
}

// compressStage waits for each entry's data and starts its block
// compression.
func (p *pipeline) compressStage(ctx context.Context) {
	for {
		entry, ok := p.compressQueue.dequeueOrWait()
		if !ok {
			break
		}
		<-entry.sourceReady
		entry.state = stateCompressing
		p.beginCompress(entry)
		p.encryptQueue.enqueue(entry)
	}
	p.encryptQueue.completeAdding()
}

func (p *pipeline) beginCompress(entry *writeEntry) {
	c := p.c
	c.metrics.CompressionStarted(entry.chunkType())
	if entry.err != nil || entry.loadedFromReferenceDB || entry.foundInCache {
		close(entry.compressed)
		return
	}

	data := entry.source.Bytes()
	entry.uncompressedSize = uint64(len(data))
	count := blockCount(entry.uncompressedSize, c.settings.CompressionBlockSize)
	if count == 0 {
		close(entry.compressed)
		return
	}
	entry.allocateBlocks(c.pool, count, c.settings.CompressionBlockSize, data)

	if entry.method == blockcompress.None {
		for index := range entry.blocks {
			block := &entry.blocks[index]
			block.method = blockcompress.None
			block.compressedSize = block.uncompressedSize
			copy(block.buffer.Bytes(), block.uncompressed)
		}
		close(entry.compressed)
		return
	}

	taskCount := (count + blocksPerTask - 1) / blocksPerTask
	entry.pendingTasks.Store(int32(taskCount))
	for task := range taskCount {
		begin := task * blocksPerTask
		end := min(begin+blocksPerTask, count)
		c.metrics.CompressionTask()
		p.tasks.Go(func() error {
			for index := begin; index < end; index++ {
				p.compressBlock(entry, &entry.blocks[index])
			}
			if entry.pendingTasks.Add(-1) == 0 {
				c.metrics.ChunkCompressed(entry.chunkType())
				close(entry.compressed)
			}
			return nil
		})
	}
}

// compressBlock encodes one block, keeping the encoding only if it is
// worth decompressing.
func (p *pipeline) compressBlock(entry *writeEntry, block *chunkBlock) {
	settings := &p.c.settings
	destination := block.buffer.Bytes()
	size, err := blockcompress.Compress(block.method, destination, block.uncompressed)
	if err != nil && !errors.Is(err, blockcompress.ErrIncompressible) {
		p.c.logger.Error("block compression failed",
			"chunk_id", entry.id.String(),
			"method", block.method.String(),
			"uncompressed_size", block.uncompressedSize,
			"error", err,
		)
	}
	if err != nil || !blockcompress.WorthIt(int(block.uncompressedSize), size, settings.MinBytesSaved, settings.MinPercentSaved) {
		block.method = blockcompress.None
		block.compressedSize = block.uncompressedSize
		copy(destination, block.uncompressed)
		return
	}
	block.compressedSize = uint32(size)
}

// encryptStage stores fresh compression results in the cache, then
// pads, encrypts, and signs each entry's blocks.
func (p *pipeline) encryptStage(ctx context.Context) {
	for {
		entry, ok := p.encryptQueue.dequeueOrWait()
		if !ok {
			break
		}
		<-entry.compressed
		entry.state = stateEncryptingSigning

		entry.source.Release()
		entry.compressedSize = 0
		for index := range entry.blocks {
			entry.blocks[index].uncompressed = nil
			entry.compressedSize += uint64(entry.blocks[index].compressedSize)
		}

		if p.puts != nil {
			if entry.err == nil && entry.mustStoreInCache {
				p.storeInCache(entry)
			}
			p.puts.DispatchIfReady(ctx, false)
		}

		// The cache payload is encoded above; encryption may now
		// rewrite the buffers in place.
		p.beginEncryptAndSign(entry)
		p.writeQueue.enqueue(entry)
	}
	if p.puts != nil {
		p.puts.Flush(ctx)
	}
	p.writeQueue.completeAdding()
}

func (p *pipeline) storeInCache(entry *writeEntry) {
	c := p.c
	chunkType := entry.chunkType()
	value, err := contentcache.EncodePayload(entry.payload())
	if err != nil {
		c.logger.Warn("encoding content cache payload failed",
			"chunk_id", entry.id.String(),
			"error", err,
		)
		c.metrics.CachePutFailed(chunkType)
		return
	}
	compressed := entry.compressedSize
	p.puts.Queue(contentcache.PutRequest{
		Key:   entry.cacheKey,
		Name:  entry.id.String(),
		Value: value,
		Size:  uint64(len(value)),
		Done: func(err error) {
			if err != nil {
				c.metrics.CachePutFailed(chunkType)
				return
			}
			c.metrics.CachePut(chunkType, compressed)
		},
	})
}

func (p *pipeline) beginEncryptAndSign(entry *writeEntry) {
	writer := entry.writer
	if entry.err != nil {
		close(entry.encrypted)
		return
	}
	if writer.keys == nil && !writer.settings.Flags.Has(toc.ContainerSigned) {
		writer.encryptAndSign(entry)
		close(entry.encrypted)
		return
	}
	p.tasks.Go(func() error {
		writer.encryptAndSign(entry)
		close(entry.encrypted)
		return nil
	})
}

// writeStage appends entries to their containers in order. After the
// first failure it stops writing but keeps draining.
func (p *pipeline) writeStage() error {
	var firstErr error
	for {
		entry, ok := p.writeQueue.dequeueOrWait()
		if !ok {
			break
		}
		<-entry.encrypted
		entry.state = stateWriting
		if firstErr == nil {
			if err := entry.writer.writeEntry(entry); err != nil {
				firstErr = err
				p.c.logger.Error("writing chunk failed",
					"container", entry.writer.name,
					"chunk_id", entry.id.String(),
					"error", err,
				)
			}
		}
		p.retire(entry)
	}
	return firstErr
}

// retire releases everything an entry holds once it is on disk.
func (p *pipeline) retire(entry *writeEntry) {
	entry.releaseBlocks()
	entry.source = nil
	entry.state = stateDone
	p.c.memory.release(entry.memoryEstimate)
}
