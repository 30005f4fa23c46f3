// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/chunkpack/lib/binhash"
	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// partitionBufferSize is the write buffer of each open partition file.
const partitionBufferSize = 1 << 20

// ContainerWriter collects the chunks of one container. Chunks are
// written by [Context.Flush].
type ContainerWriter struct {
	c        *Context
	basePath string
	name     string
	settings ContainerSettings
	keys     *blockcrypt.ContainerKeys

	// method is the compression method of every chunk not forced
	// uncompressed: the context's method, or none for containers
	// without the compressed flag.
	method blockcompress.Method

	mu          sync.Mutex
	entries     []*writeEntry
	referenceDB ReferenceChunkDatabase
	layout      *diskLayout
	flushed     atomic.Bool

	// Write stage state. Only the write stage and finalize touch these.
	builder                  *toc.Builder
	partitions               []*partition
	currentPartition         int
	uncompressedOffset       uint64
	totalUncompressedSize    uint64
	paddingSize              uint64
	totalEntryCompressedSize uint64
	referenceCacheMissBytes  uint64
	hasMemoryMapped          bool
	fileNames                []string
	added                    counterPair
	modified                 counterPair

	resultMu sync.Mutex
	result   *Result
}

type counterPair struct {
	count int
	size  uint64
}

func newContainerWriter(c *Context, basePath string, settings ContainerSettings, keys *blockcrypt.ContainerKeys) *ContainerWriter {
	method := blockcompress.None
	if settings.Flags.Has(toc.ContainerCompressed) {
		method = c.settings.CompressionMethod
	}
	return &ContainerWriter{
		c:        c,
		basePath: basePath,
		name:     filepath.Base(basePath),
		settings: settings,
		keys:     keys,
		method:   method,
		builder:  toc.NewBuilder(settings.ContainerID, settings.Flags, c.settings.CompressionBlockSize),
	}
}

// Name returns the container's file name stem.
func (w *ContainerWriter) Name() string { return w.name }

// SetReferenceChunkDatabase attaches a database of previously built
// chunks. It must be called before the first Append. A database built
// with a different block size is ignored.
func (w *ContainerWriter) SetReferenceChunkDatabase(database ReferenceChunkDatabase) {
	if database == nil {
		return
	}
	if database.CompressionBlockSize() != w.c.settings.CompressionBlockSize {
		w.c.logger.Warn("ignoring reference chunk database with mismatched block size",
			"container", w.name,
			"database_block_size", database.CompressionBlockSize(),
			"block_size", w.c.settings.CompressionBlockSize,
		)
		return
	}
	w.mu.Lock()
	w.referenceDB = database
	w.mu.Unlock()
	database.NotifyAddedToContainer(w.settings.ContainerID, w.name)
}

// Append queues a chunk. The chunk is hashed now (in the background,
// unless its source supplies a trusted hash) and written by Flush.
// Appending an ID twice with the same content writes it once.
func (w *ContainerWriter) Append(ctx context.Context, id toc.ChunkID, source Source, options WriteOptions) error {
	if w.flushed.Load() {
		return ErrContainerFinalized
	}
	if !id.IsValid() {
		return ErrInvalidChunkID
	}
	if source == nil {
		return fmt.Errorf("chunk %s: nil source", id)
	}

	method := w.method
	if options.ForceUncompressed || options.MemoryMapped {
		method = blockcompress.None
	}

	w.mu.Lock()
	entry := newWriteEntry(w, len(w.entries), id, source, options)
	entry.method = method
	w.entries = append(w.entries, entry)
	database := w.referenceDB
	w.mu.Unlock()

	c := w.c
	c.metrics.ChunkAppended(id.Type())
	sizeEstimate := source.SizeEstimate()
	entry.memoryEstimate = uint64(c.bufferSize) * uint64(blockCount(sizeEstimate, c.settings.CompressionBlockSize))

	precomputed, hasPrecomputed := source.PrecomputedHash()
	if hasPrecomputed && !c.settings.ValidateChunkHashes {
		entry.hash = precomputed
		c.metrics.ChunkHashed(id.Type(), true)
		w.resolveReuse(entry, database, sizeEstimate)
		return nil
	}

	c.hashers.Go(func() error {
		if err := source.Prepare(ctx); err != nil {
			return fmt.Errorf("chunk %s: %w", id, err)
		}
		entry.hash = toc.HashChunk(source.Bytes())
		source.Release()
		c.metrics.ChunkHashed(id.Type(), false)
		if hasPrecomputed && precomputed != entry.hash {
			c.logger.Warn("precomputed chunk hash does not match content",
				"container", w.name,
				"chunk_id", id.String(),
				"precomputed", precomputed.String(),
				"computed", entry.hash.String(),
			)
			c.metrics.HashMismatch(id.Type())
		}
		w.resolveReuse(entry, database, sizeEstimate)
		return nil
	})
	return nil
}

// resolveReuse decides, once the hash is known, whether the entry is
// copied from the reference database or looked up in the cache.
func (w *ContainerWriter) resolveReuse(entry *writeEntry, database ReferenceChunkDatabase, sizeEstimate uint64) {
	settings := &w.c.settings
	if database != nil && entry.method != blockcompress.None {
		entry.couldBeFromReferenceDB = true
		if count, ok := database.ChunkExists(w.settings.ContainerID, entry.hash, entry.id); ok {
			entry.loadedFromReferenceDB = true
			entry.referenceBlockCount = count
		}
	}
	entry.useCache = settings.UseCache &&
		entry.method != blockcompress.None &&
		!entry.loadedFromReferenceDB &&
		sizeEstimate > uint64(settings.MinBytesSaved) &&
		sizeEstimate > settings.MinSizeToConsiderCache
}

// encryptAndSign pads every block to the encryption alignment, then
// encrypts and signs the padded bytes as the container's flags ask.
func (w *ContainerWriter) encryptAndSign(entry *writeEntry) {
	signed := w.settings.Flags.Has(toc.ContainerSigned)
	entry.diskSize = 0
	for index := range entry.blocks {
		block := &entry.blocks[index]
		block.diskSize = uint32(toc.AlignedSize(block.compressedSize))
		buffer := block.buffer.Bytes()
		for fill := block.compressedSize; fill < block.diskSize; fill++ {
			buffer[fill] = buffer[(fill-block.compressedSize)%block.compressedSize]
		}
		disk := buffer[:block.diskSize]
		if w.keys != nil {
			if err := w.keys.XORBlock(disk, entry.id, entry.hash, index); err != nil {
				entry.err = fmt.Errorf("encrypting chunk %s block %d: %w", entry.id, index, err)
				return
			}
		}
		if signed {
			block.signature = toc.SignBlock(disk)
		}
		entry.diskSize += uint64(block.diskSize)
	}
}

// partitionLimit is the usable size of one partition.
func (w *ContainerWriter) partitionLimit() uint64 {
	if w.c.settings.MaxPartitionSize == 0 {
		return math.MaxUint64
	}
	return w.c.settings.MaxPartitionSize
}

// partitionAt returns partition index, creating it and any before it.
// Files are opened on first write.
func (w *ContainerWriter) partitionAt(index int) *partition {
	for len(w.partitions) <= index {
		next := len(w.partitions)
		w.partitions = append(w.partitions, &partition{index: next, path: toc.PartitionPath(w.basePath, next)})
	}
	return w.partitions[index]
}

// placeChunk returns the start offset of a chunk of diskSize bytes in
// the partition, or false if it does not fit before the reserved tail.
func (w *ContainerWriter) placeChunk(p *partition, diskSize uint64, memoryMapped bool) (uint64, bool) {
	settings := &w.c.settings
	offset := p.offset
	if memoryMapped {
		offset = alignUp(offset, settings.MemoryMappingAlignment)
	}
	if alignment := settings.CompressionBlockAlignment; alignment != 0 && diskSize > 0 {
		if offset/alignment != (offset+diskSize-1)/alignment {
			offset = alignUp(offset, alignment)
		}
	}
	limit := w.partitionLimit()
	if p.reserved > limit || diskSize > limit-p.reserved || offset > limit-p.reserved-diskSize {
		return 0, false
	}
	return offset, true
}

// writeEntry appends one entry's blocks to a partition and records it
// in the TOC.
func (w *ContainerWriter) writeEntry(entry *writeEntry) error {
	if entry.err != nil {
		return entry.err
	}
	if _, meta, ok := w.builder.Lookup(entry.id); ok {
		if meta.Hash != entry.hash {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateChunkID, entry.id, w.name)
		}
		w.c.logger.Warn("skipping duplicate chunk",
			"container", w.name,
			"chunk_id", entry.id.String(),
		)
		return nil
	}
	if entry.diskSize > w.partitionLimit() {
		return fmt.Errorf("%w: %s needs %d bytes, partitions hold %d", ErrChunkTooLarge, entry.id, entry.diskSize, w.partitionLimit())
	}

	candidate := w.currentPartition
	pinned := entry.partitionIndex >= 0
	if pinned {
		candidate = entry.partitionIndex
		reserved := w.partitionAt(candidate)
		reserved.reserved -= min(reserved.reserved, entry.previousDiskSize)
	}
	var target *partition
	var offset uint64
	for {
		p := w.partitionAt(candidate)
		if placed, ok := w.placeChunk(p, entry.diskSize, entry.options.MemoryMapped); ok {
			target, offset = p, placed
			break
		}
		if pinned {
			pinned = false
			candidate = w.currentPartition
			continue
		}
		candidate++
		w.currentPartition = max(w.currentPartition, candidate)
	}

	if err := target.open(); err != nil {
		return err
	}
	padding := offset - target.offset
	if err := target.writeZeros(padding); err != nil {
		return err
	}
	w.paddingSize += padding

	meta := toc.EntryMeta{Hash: entry.hash}
	signed := w.settings.Flags.Has(toc.ContainerSigned)
	base := uint64(target.index)*w.c.settings.MaxPartitionSize + offset
	var offsetInChunk uint64
	for index := range entry.blocks {
		block := &entry.blocks[index]
		methodIndex, err := w.builder.MethodIndex(block.method.String())
		if err != nil {
			return fmt.Errorf("chunk %s: %w", entry.id, err)
		}
		if block.method != blockcompress.None {
			meta.Flags |= toc.MetaCompressed
		}
		w.builder.AddBlock(toc.CompressedBlock{
			Offset:           base + offsetInChunk,
			CompressedSize:   block.compressedSize,
			UncompressedSize: block.uncompressedSize,
			MethodIndex:      methodIndex,
		})
		if signed {
			w.builder.AddBlockSignature(block.signature)
		}
		if err := target.write(block.diskBytes()); err != nil {
			return err
		}
		offsetInChunk += uint64(block.diskSize)
	}
	if entry.options.MemoryMapped {
		meta.Flags |= toc.MetaMemoryMapped
		w.hasMemoryMapped = true
	}
	w.builder.AddChunk(entry.id, toc.OffsetLength{Offset: w.uncompressedOffset, Length: entry.uncompressedSize}, meta)
	if entry.options.FileName != "" && w.settings.Flags.Has(toc.ContainerIndexed) {
		w.builder.AddFile(entry.options.FileName, entry.id)
		w.fileNames = append(w.fileNames, entry.options.FileName)
	}

	w.uncompressedOffset += alignUp(entry.uncompressedSize, uint64(w.c.settings.CompressionBlockSize))
	w.totalUncompressedSize += entry.uncompressedSize
	w.totalEntryCompressedSize += entry.compressedSize
	if entry.couldBeFromReferenceDB && !entry.loadedFromReferenceDB {
		w.referenceCacheMissBytes += entry.compressedSize
	}
	if entry.added {
		w.added.count++
		w.added.size += entry.diskSize
	}
	if entry.modified {
		w.modified.count++
		w.modified.size += entry.diskSize
	}
	w.c.metrics.ChunkWritten(entry.chunkType(), entry.diskSize)
	return nil
}

// finalize closes the partitions, builds the perfect hash, and writes
// the TOC.
func (w *ContainerWriter) finalize() error {
	settings := &w.c.settings
	uncompressedContainerSize := w.totalUncompressedSize + w.paddingSize

	w.partitionAt(0)
	partitions := make([]PartitionResult, 0, len(w.partitions))
	var compressedContainerSize uint64
	for _, p := range w.partitions {
		if err := p.open(); err != nil {
			return err
		}
		if w.hasMemoryMapped {
			padding := alignUp(p.offset, settings.MemoryMappingAlignment) - p.offset
			if err := p.writeZeros(padding); err != nil {
				return err
			}
			w.paddingSize += padding
			uncompressedContainerSize += padding
		}
		if err := p.close(); err != nil {
			return err
		}
		compressedContainerSize += p.offset
	}

	partitionSize := settings.MaxPartitionSize
	if partitionSize == 0 {
		partitionSize = toc.UnlimitedPartitionSize
	}
	w.builder.SetPartitions(uint32(len(w.partitions)), partitionSize)
	resource, hashStats := w.builder.Finalize()

	if w.settings.Flags.Has(toc.ContainerIndexed) {
		mountPoint := w.settings.MountPoint
		if mountPoint == "" {
			mountPoint = commonRootPath(w.fileNames)
		}
		index, err := w.builder.DirectoryIndex(mountPoint)
		if err != nil {
			return fmt.Errorf("container %s: directory index: %w", w.name, err)
		}
		encoded, err := toc.EncodeDirectoryIndex(index)
		if err != nil {
			return fmt.Errorf("container %s: %w", w.name, err)
		}
		if w.keys != nil {
			encoded, err = w.keys.SealIndex(encoded)
			if err != nil {
				return fmt.Errorf("container %s: sealing directory index: %w", w.name, err)
			}
		}
		resource.DirectoryIndex = encoded
	}

	tocPath := toc.TocPath(w.basePath)
	tocSize, err := toc.WriteFile(tocPath, resource)
	if err != nil {
		return fmt.Errorf("container %s: %w", w.name, err)
	}

	for _, p := range w.partitions {
		digest, err := binhash.HashFile(p.path)
		if err != nil {
			return err
		}
		partitions = append(partitions, PartitionResult{
			Index:  p.index,
			Path:   p.path,
			Size:   p.offset,
			Digest: binhash.FormatDigest(digest),
		})
	}

	result := &Result{
		ContainerID:               w.settings.ContainerID,
		ContainerName:             w.name,
		ContainerFlags:            w.settings.Flags,
		CompressionMethod:         w.method.String(),
		TocPath:                   tocPath,
		TocSize:                   uint64(tocSize),
		TocEntryCount:             resource.ChunkCount(),
		PaddingSize:               w.paddingSize,
		UncompressedContainerSize: uncompressedContainerSize,
		CompressedContainerSize:   compressedContainerSize,
		TotalEntryCompressedSize:  w.totalEntryCompressedSize,
		ReferenceCacheMissBytes:   w.referenceCacheMissBytes,
		DirectoryIndexSize:        len(resource.DirectoryIndex),
		AddedChunksCount:          w.added.count,
		AddedChunksSize:           w.added.size,
		ModifiedChunksCount:       w.modified.count,
		ModifiedChunksSize:        w.modified.size,
		PerfectHash:               hashStats,
		Partitions:                partitions,
		ContextStats:              w.c.counters.Snapshot(),
	}
	w.resultMu.Lock()
	w.result = result
	w.resultMu.Unlock()

	w.c.logger.Info("container finalized",
		"container", w.name,
		"chunks", result.TocEntryCount,
		"partitions", len(partitions),
		"compressed_size", compressedContainerSize,
		"uncompressed_size", uncompressedContainerSize,
		"padding", result.PaddingSize,
		"overflow_chunks", hashStats.OverflowChunks,
	)
	return nil
}

// Result returns the container's summary once Flush has finalized it.
func (w *ContainerWriter) Result() (Result, bool) {
	w.resultMu.Lock()
	defer w.resultMu.Unlock()
	if w.result == nil {
		return Result{}, false
	}
	return *w.result, true
}

// close releases the derived keys and any partition left open by a
// failed Flush.
func (w *ContainerWriter) close() error {
	var errs []error
	for _, p := range w.partitions {
		if p.file != nil {
			errs = append(errs, p.close())
		}
	}
	if w.keys != nil {
		errs = append(errs, w.keys.Close())
		w.keys = nil
	}
	return errors.Join(errs...)
}

// commonRootPath returns the longest directory shared by every name,
// using forward slashes.
func commonRootPath(names []string) string {
	if len(names) == 0 {
		return ""
	}
	root := path.Dir(filepath.ToSlash(names[0]))
	for _, name := range names[1:] {
		directory := path.Dir(filepath.ToSlash(name))
		for root != "." && root != "/" && directory != root && !strings.HasPrefix(directory, root+"/") {
			root = path.Dir(root)
		}
	}
	if root == "." {
		return ""
	}
	return root
}

// partition is one .cas file of a container.
type partition struct {
	index int
	path  string
	file  *os.File
	out   *bufio.Writer

	// offset is the number of bytes written. reserved is space held
	// for chunks pinned here by disk layout ordering that have not
	// been written yet.
	offset   uint64
	reserved uint64
}

func (p *partition) open() error {
	if p.file != nil {
		return nil
	}
	file, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("creating partition: %w", err)
	}
	p.file = file
	p.out = bufio.NewWriterSize(file, partitionBufferSize)
	return nil
}

func (p *partition) write(data []byte) error {
	if _, err := p.out.Write(data); err != nil {
		return fmt.Errorf("writing partition %s: %w", p.path, err)
	}
	p.offset += uint64(len(data))
	return nil
}

var zeroPage [4096]byte

func (p *partition) writeZeros(n uint64) error {
	for n > 0 {
		step := min(n, uint64(len(zeroPage)))
		if err := p.write(zeroPage[:step]); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (p *partition) close() error {
	if p.file == nil {
		return nil
	}
	flushErr := p.out.Flush()
	closeErr := p.file.Close()
	p.file, p.out = nil, nil
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("closing partition %s: %w", p.path, err)
	}
	return nil
}
