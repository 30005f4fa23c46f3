// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/clock"
	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/secret"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// Defaults for WriterSettings.
const (
	DefaultCompressionBlockSize       = 64 << 10
	DefaultMemoryMappingAlignment     = 16 << 10
	DefaultMinBytesSaved              = 1024
	DefaultMinPercentSaved            = 5
	DefaultMaxCompressionBufferMemory = 2 << 30
)

// WriterSettings configure a Context and every container it writes.
type WriterSettings struct {
	// CompressionMethod is used for every block of compressed
	// containers. Individual blocks fall back to none when compression
	// does not pay off.
	CompressionMethod blockcompress.Method

	// CompressionBlockSize is the uncompressed size of every block but
	// the last of a chunk. It must be a power of two and must match
	// across builds for cache and reference reuse.
	CompressionBlockSize uint32

	// CompressionBlockAlignment, when non-zero, moves a chunk that
	// would straddle a boundary of this alignment up to the boundary.
	CompressionBlockAlignment uint64

	// MemoryMappingAlignment is the start alignment of memory-mapped
	// chunks and the final size alignment of partitions holding them.
	MemoryMappingAlignment uint64

	// MaxPartitionSize caps each partition file. Zero means a single
	// unlimited partition.
	MaxPartitionSize uint64

	// A compressed block is kept only if it saves at least
	// MinBytesSaved bytes and MinPercentSaved percent.
	MinBytesSaved   int
	MinPercentSaved int

	// MinSizeToConsiderCache excludes small chunks from cache lookups.
	MinSizeToConsiderCache uint64

	// MaxCompressionBufferMemory bounds the estimated buffer memory of
	// chunks between scheduling and being written.
	MaxCompressionBufferMemory uint64

	// ValidateChunkHashes rehashes chunks whose source supplies a
	// precomputed hash and warns on mismatch.
	ValidateChunkHashes bool

	// UseCache enables the content cache. Cache must be set.
	UseCache bool
	Cache    contentcache.Store

	// GetDispatch and PutDispatch tune cache request batching. Zero
	// values take the contentcache defaults.
	GetDispatch contentcache.DispatchSettings
	PutDispatch contentcache.DispatchSettings

	// HashConcurrency bounds concurrent chunk hashing during Append.
	// CompressConcurrency bounds concurrent block compression tasks.
	// Zero means GOMAXPROCS.
	HashConcurrency     int
	CompressConcurrency int

	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics MetricsSink
}

// DefaultWriterSettings returns settings for LZ4 compression with 64 KiB
// blocks, unlimited partitions, and no cache.
func DefaultWriterSettings() WriterSettings {
	return WriterSettings{
		CompressionMethod:          blockcompress.LZ4,
		CompressionBlockSize:       DefaultCompressionBlockSize,
		MemoryMappingAlignment:     DefaultMemoryMappingAlignment,
		MinBytesSaved:              DefaultMinBytesSaved,
		MinPercentSaved:            DefaultMinPercentSaved,
		MaxCompressionBufferMemory: DefaultMaxCompressionBufferMemory,
	}
}

// Validate reports every problem with the settings.
func (s *WriterSettings) Validate() error {
	var errs []error
	if s.CompressionBlockSize == 0 || bits.OnesCount32(s.CompressionBlockSize) != 1 {
		errs = append(errs, fmt.Errorf("compression block size %d is not a power of two", s.CompressionBlockSize))
	}
	if s.CompressionBlockSize > toc.MaxBlockSize {
		errs = append(errs, fmt.Errorf("compression block size %d exceeds %d", s.CompressionBlockSize, toc.MaxBlockSize))
	}
	if _, err := blockcompress.ParseMethod(s.CompressionMethod.String()); err != nil {
		errs = append(errs, err)
	}
	if s.MemoryMappingAlignment != 0 && bits.OnesCount64(s.MemoryMappingAlignment) != 1 {
		errs = append(errs, fmt.Errorf("memory mapping alignment %d is not a power of two", s.MemoryMappingAlignment))
	}
	if s.MaxPartitionSize != 0 && s.MaxPartitionSize < toc.EncryptionAlignment {
		errs = append(errs, fmt.Errorf("max partition size %d is smaller than %d", s.MaxPartitionSize, toc.EncryptionAlignment))
	}
	if s.MinBytesSaved < 0 {
		errs = append(errs, fmt.Errorf("min bytes saved %d is negative", s.MinBytesSaved))
	}
	if s.MinPercentSaved < 0 || s.MinPercentSaved > 100 {
		errs = append(errs, fmt.Errorf("min percent saved %d is outside 0..100", s.MinPercentSaved))
	}
	if s.UseCache && s.Cache == nil {
		errs = append(errs, errors.New("cache enabled without a cache store"))
	}
	if s.HashConcurrency < 0 || s.CompressConcurrency < 0 {
		errs = append(errs, errors.New("concurrency limits must not be negative"))
	}
	return errors.Join(errs...)
}

// withDefaults fills zero-valued optional fields.
func (s WriterSettings) withDefaults() WriterSettings {
	if s.MaxCompressionBufferMemory == 0 {
		s.MaxCompressionBufferMemory = DefaultMaxCompressionBufferMemory
	}
	if s.MemoryMappingAlignment == 0 {
		s.MemoryMappingAlignment = DefaultMemoryMappingAlignment
	}
	if s.GetDispatch == (contentcache.DispatchSettings{}) {
		s.GetDispatch = contentcache.DefaultGetSettings()
	}
	if s.PutDispatch == (contentcache.DispatchSettings{}) {
		s.PutDispatch = contentcache.DefaultPutSettings()
	}
	if s.HashConcurrency == 0 {
		s.HashConcurrency = runtime.GOMAXPROCS(0)
	}
	if s.CompressConcurrency == 0 {
		s.CompressConcurrency = runtime.GOMAXPROCS(0)
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Clock == nil {
		s.Clock = clock.Real()
	}
	if s.Metrics == nil {
		s.Metrics = NopMetrics{}
	}
	return s
}

// compressionBufferSize is the size of every pooled block buffer: large
// enough for the worst-case encoding of a full block, rounded up to the
// encryption alignment so padding never needs a second buffer.
func compressionBufferSize(method blockcompress.Method, blockSize uint32) int {
	size := int(blockSize)
	if method != blockcompress.None {
		size = max(size, blockcompress.CompressBound(method, int(blockSize)))
	}
	return int(alignUp(uint64(size), toc.EncryptionAlignment))
}

// ContainerSettings configure one container.
type ContainerSettings struct {
	// ContainerID must be stable across builds of the same container
	// for reference database reuse.
	ContainerID toc.ContainerID

	Flags toc.ContainerFlags

	// EncryptionKey is the master key of encrypted containers. The
	// writer derives per-container keys from it and does not take
	// ownership.
	EncryptionKey *secret.Buffer

	// GenerateDiffPatch writes only added and modified chunks when disk
	// layout ordering is enabled.
	GenerateDiffPatch bool

	// MountPoint is the directory index root. Empty means the longest
	// common directory of the indexed file names.
	MountPoint string
}

// WriteOptions are per-chunk options of Append.
type WriteOptions struct {
	// FileName is recorded in the directory index of indexed
	// containers.
	FileName string

	// ForceUncompressed stores the chunk with method none.
	ForceUncompressed bool

	// MemoryMapped aligns the chunk for memory mapping and stores it
	// uncompressed.
	MemoryMapped bool
}

func alignUp(value, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) / alignment * alignment
}

func isAligned(value, alignment uint64) bool {
	return alignment == 0 || value%alignment == 0
}
