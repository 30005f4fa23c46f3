// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"sync/atomic"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// MetricsSink receives pipeline events. Methods are called from many
// goroutines and must not block.
type MetricsSink interface {
	ChunkAppended(chunkType toc.ChunkType)

	// ChunkHashed reports a chunk whose hash is known. precomputed is
	// true when the source supplied the hash and it was trusted.
	ChunkHashed(chunkType toc.ChunkType, precomputed bool)
	HashMismatch(chunkType toc.ChunkType)

	ReferenceHit(chunkType toc.ChunkType, compressedBytes uint64)
	ReferenceRetrieveFailed(chunkType toc.ChunkType)

	CacheHit(chunkType toc.ChunkType, compressedBytes uint64)
	CacheMiss(chunkType toc.ChunkType)
	CachePut(chunkType toc.ChunkType, compressedBytes uint64)
	CachePutFailed(chunkType toc.ChunkType)

	// CompressionStarted is reported as each chunk enters the
	// compression stage; ChunkCompressed once every block of a locally
	// compressed chunk is done.
	CompressionStarted(chunkType toc.ChunkType)
	CompressionTask()
	ChunkCompressed(chunkType toc.ChunkType)

	ChunkWritten(chunkType toc.ChunkType, diskBytes uint64)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) ChunkAppended(toc.ChunkType)           {}
func (NopMetrics) ChunkHashed(toc.ChunkType, bool)       {}
func (NopMetrics) HashMismatch(toc.ChunkType)            {}
func (NopMetrics) ReferenceHit(toc.ChunkType, uint64)    {}
func (NopMetrics) ReferenceRetrieveFailed(toc.ChunkType) {}
func (NopMetrics) CacheHit(toc.ChunkType, uint64)        {}
func (NopMetrics) CacheMiss(toc.ChunkType)               {}
func (NopMetrics) CachePut(toc.ChunkType, uint64)        {}
func (NopMetrics) CachePutFailed(toc.ChunkType)          {}
func (NopMetrics) CompressionStarted(toc.ChunkType)      {}
func (NopMetrics) CompressionTask()                      {}
func (NopMetrics) ChunkCompressed(toc.ChunkType)         {}
func (NopMetrics) ChunkWritten(toc.ChunkType, uint64)    {}

// typeCounters are the per-chunk-type event counts.
type typeCounters struct {
	appended           atomic.Uint64
	hashed             atomic.Uint64
	precomputedHashes  atomic.Uint64
	referenceHits      atomic.Uint64
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	cachePuts          atomic.Uint64
	cachePutErrors     atomic.Uint64
	compressionStarted atomic.Uint64
	compressed         atomic.Uint64
}

// Counters aggregates events in process. Every Context keeps one and
// reports it from Progress; it is also a MetricsSink on its own.
type Counters struct {
	byType [toc.ChunkTypeCount]typeCounters

	hashMismatches            atomic.Uint64
	referenceBytes            atomic.Uint64
	referenceRetrieveFailures atomic.Uint64
	cacheGetBytes             atomic.Uint64
	cachePutBytes             atomic.Uint64
	compressionTasks          atomic.Uint64
	written                   atomic.Uint64
	writtenBytes              atomic.Uint64
}

func (c *Counters) forType(chunkType toc.ChunkType) *typeCounters {
	index := chunkType.Index()
	if index < 0 || index >= len(c.byType) {
		index = 0
	}
	return &c.byType[index]
}

func (c *Counters) ChunkAppended(t toc.ChunkType) { c.forType(t).appended.Add(1) }

func (c *Counters) ChunkHashed(t toc.ChunkType, precomputed bool) {
	c.forType(t).hashed.Add(1)
	if precomputed {
		c.forType(t).precomputedHashes.Add(1)
	}
}

func (c *Counters) HashMismatch(toc.ChunkType) { c.hashMismatches.Add(1) }

func (c *Counters) ReferenceHit(t toc.ChunkType, compressedBytes uint64) {
	c.forType(t).referenceHits.Add(1)
	c.referenceBytes.Add(compressedBytes)
}

func (c *Counters) ReferenceRetrieveFailed(toc.ChunkType) { c.referenceRetrieveFailures.Add(1) }

func (c *Counters) CacheHit(t toc.ChunkType, compressedBytes uint64) {
	c.forType(t).cacheHits.Add(1)
	c.cacheGetBytes.Add(compressedBytes)
}

func (c *Counters) CacheMiss(t toc.ChunkType) { c.forType(t).cacheMisses.Add(1) }

func (c *Counters) CachePut(t toc.ChunkType, compressedBytes uint64) {
	c.forType(t).cachePuts.Add(1)
	c.cachePutBytes.Add(compressedBytes)
}

func (c *Counters) CachePutFailed(t toc.ChunkType) { c.forType(t).cachePutErrors.Add(1) }

func (c *Counters) CompressionStarted(t toc.ChunkType) { c.forType(t).compressionStarted.Add(1) }
func (c *Counters) CompressionTask()                   { c.compressionTasks.Add(1) }
func (c *Counters) ChunkCompressed(t toc.ChunkType)    { c.forType(t).compressed.Add(1) }

func (c *Counters) ChunkWritten(_ toc.ChunkType, diskBytes uint64) {
	c.written.Add(1)
	c.writtenBytes.Add(diskBytes)
}

// TypeStats are the counts of one chunk type.
type TypeStats struct {
	Appended           uint64 `json:"appended"`
	Hashed             uint64 `json:"hashed"`
	PrecomputedHashes  uint64 `json:"precomputed_hashes"`
	ReferenceHits      uint64 `json:"reference_hits"`
	CacheHits          uint64 `json:"cache_hits"`
	CacheMisses        uint64 `json:"cache_misses"`
	CachePuts          uint64 `json:"cache_puts"`
	CachePutErrors     uint64 `json:"cache_put_errors"`
	CompressionStarted uint64 `json:"compression_started"`
	Compressed         uint64 `json:"compressed"`
}

func (s TypeStats) isZero() bool {
	return s == TypeStats{}
}

// Stats is a snapshot of Counters. Totals sum over chunk types.
type Stats struct {
	Total  TypeStats            `json:"total"`
	ByType map[string]TypeStats `json:"by_type,omitempty"`

	HashMismatches            uint64 `json:"hash_mismatches"`
	ReferenceBytes            uint64 `json:"reference_bytes"`
	ReferenceRetrieveFailures uint64 `json:"reference_retrieve_failures"`
	CacheGetBytes             uint64 `json:"cache_get_bytes"`
	CachePutBytes             uint64 `json:"cache_put_bytes"`
	CompressionTasks          uint64 `json:"compression_tasks"`
	Written                   uint64 `json:"written"`
	WrittenBytes              uint64 `json:"written_bytes"`
}

// Snapshot reads every counter. Counters updated concurrently may be
// observed at slightly different instants.
func (c *Counters) Snapshot() Stats {
	stats := Stats{
		HashMismatches:            c.hashMismatches.Load(),
		ReferenceBytes:            c.referenceBytes.Load(),
		ReferenceRetrieveFailures: c.referenceRetrieveFailures.Load(),
		CacheGetBytes:             c.cacheGetBytes.Load(),
		CachePutBytes:             c.cachePutBytes.Load(),
		CompressionTasks:          c.compressionTasks.Load(),
		Written:                   c.written.Load(),
		WrittenBytes:              c.writtenBytes.Load(),
	}
	for index := range c.byType {
		counters := &c.byType[index]
		typeStats := TypeStats{
			Appended:           counters.appended.Load(),
			Hashed:             counters.hashed.Load(),
			PrecomputedHashes:  counters.precomputedHashes.Load(),
			ReferenceHits:      counters.referenceHits.Load(),
			CacheHits:          counters.cacheHits.Load(),
			CacheMisses:        counters.cacheMisses.Load(),
			CachePuts:          counters.cachePuts.Load(),
			CachePutErrors:     counters.cachePutErrors.Load(),
			CompressionStarted: counters.compressionStarted.Load(),
			Compressed:         counters.compressed.Load(),
		}
		if typeStats.isZero() {
			continue
		}
		if stats.ByType == nil {
			stats.ByType = make(map[string]TypeStats)
		}
		stats.ByType[toc.ChunkType(index).String()] = typeStats
		stats.Total.Appended += typeStats.Appended
		stats.Total.Hashed += typeStats.Hashed
		stats.Total.PrecomputedHashes += typeStats.PrecomputedHashes
		stats.Total.ReferenceHits += typeStats.ReferenceHits
		stats.Total.CacheHits += typeStats.CacheHits
		stats.Total.CacheMisses += typeStats.CacheMisses
		stats.Total.CachePuts += typeStats.CachePuts
		stats.Total.CachePutErrors += typeStats.CachePutErrors
		stats.Total.CompressionStarted += typeStats.CompressionStarted
		stats.Total.Compressed += typeStats.Compressed
	}
	return stats
}

// fanout forwards every event to the context's Counters and the
// configured sink.
type fanout struct {
	counters *Counters
	sink     MetricsSink
}

func (f fanout) ChunkAppended(t toc.ChunkType) {
	f.counters.ChunkAppended(t)
	f.sink.ChunkAppended(t)
}

func (f fanout) ChunkHashed(t toc.ChunkType, precomputed bool) {
	f.counters.ChunkHashed(t, precomputed)
	f.sink.ChunkHashed(t, precomputed)
}

func (f fanout) HashMismatch(t toc.ChunkType) {
	f.counters.HashMismatch(t)
	f.sink.HashMismatch(t)
}

func (f fanout) ReferenceHit(t toc.ChunkType, n uint64) {
	f.counters.ReferenceHit(t, n)
	f.sink.ReferenceHit(t, n)
}

func (f fanout) ReferenceRetrieveFailed(t toc.ChunkType) {
	f.counters.ReferenceRetrieveFailed(t)
	f.sink.ReferenceRetrieveFailed(t)
}

func (f fanout) CacheHit(t toc.ChunkType, n uint64) {
	f.counters.CacheHit(t, n)
	f.sink.CacheHit(t, n)
}

func (f fanout) CacheMiss(t toc.ChunkType) {
	f.counters.CacheMiss(t)
	f.sink.CacheMiss(t)
}

func (f fanout) CachePut(t toc.ChunkType, n uint64) {
	f.counters.CachePut(t, n)
	f.sink.CachePut(t, n)
}

func (f fanout) CachePutFailed(t toc.ChunkType) {
	f.counters.CachePutFailed(t)
	f.sink.CachePutFailed(t)
}

func (f fanout) CompressionStarted(t toc.ChunkType) {
	f.counters.CompressionStarted(t)
	f.sink.CompressionStarted(t)
}

func (f fanout) CompressionTask() {
	f.counters.CompressionTask()
	f.sink.CompressionTask()
}

func (f fanout) ChunkCompressed(t toc.ChunkType) {
	f.counters.ChunkCompressed(t)
	f.sink.ChunkCompressed(t)
}

func (f fanout) ChunkWritten(t toc.ChunkType, n uint64) {
	f.counters.ChunkWritten(t, n)
	f.sink.ChunkWritten(t, n)
}
