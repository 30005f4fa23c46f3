// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

const namespace = "chunkpack"

// Sink holds the Prometheus collectors fed by a packer context.
type Sink struct {
	Appended           *prometheus.CounterVec
	Hashed             *prometheus.CounterVec
	HashMismatches     *prometheus.CounterVec
	ReferenceHits      *prometheus.CounterVec
	ReferenceFailures  *prometheus.CounterVec
	CacheRequests      *prometheus.CounterVec
	CachePuts          *prometheus.CounterVec
	CompressionStarts  *prometheus.CounterVec
	Compressed         *prometheus.CounterVec
	Written            *prometheus.CounterVec

	ReusedBytes      *prometheus.CounterVec
	CachePutBytes    prometheus.Counter
	WrittenBytes     prometheus.Counter
	CompressionTasks prometheus.Counter
}

var _ packer.MetricsSink = (*Sink)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Sink {
	byType := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append([]string{"chunk_type"}, extra...))
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	s := &Sink{
		Appended:           byType("chunks_appended_total", "Chunks passed to Append."),
		Hashed:             byType("chunks_hashed_total", "Chunks with a known content hash.", "precomputed"),
		HashMismatches:     byType("hash_mismatches_total", "Precomputed hashes that did not match the content."),
		ReferenceHits:      byType("reference_hits_total", "Chunks copied from a reference container."),
		ReferenceFailures:  byType("reference_retrieve_failures_total", "Reference chunk retrievals that fell back to the source."),
		CacheRequests:      byType("cache_requests_total", "Content cache lookups by result.", "result"),
		CachePuts:          byType("cache_puts_total", "Content cache stores by result.", "result"),
		CompressionStarts:  byType("compression_started_total", "Chunks that entered the compression stage."),
		Compressed:         byType("chunks_compressed_total", "Chunks compressed locally."),
		Written:            byType("chunks_written_total", "Chunks written to a partition."),
		ReusedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reused_compressed_bytes_total",
			Help:      "Compressed bytes taken from the cache or a reference container.",
		}, []string{"source"}),
		CachePutBytes:    counter("cache_put_bytes_total", "Compressed bytes stored in the content cache."),
		WrittenBytes:     counter("written_bytes_total", "On-disk bytes written, padding excluded."),
		CompressionTasks: counter("compression_tasks_total", "Block compression tasks run."),
	}

	reg.MustRegister(
		s.Appended, s.Hashed, s.HashMismatches,
		s.ReferenceHits, s.ReferenceFailures,
		s.CacheRequests, s.CachePuts,
		s.CompressionStarts, s.Compressed, s.Written,
		s.ReusedBytes, s.CachePutBytes, s.WrittenBytes, s.CompressionTasks,
	)
	return s
}

func (s *Sink) ChunkAppended(t toc.ChunkType) { s.Appended.WithLabelValues(t.String()).Inc() }

func (s *Sink) ChunkHashed(t toc.ChunkType, precomputed bool) {
	label := "false"
	if precomputed {
		label = "true"
	}
	s.Hashed.WithLabelValues(t.String(), label).Inc()
}

func (s *Sink) HashMismatch(t toc.ChunkType) { s.HashMismatches.WithLabelValues(t.String()).Inc() }

func (s *Sink) ReferenceHit(t toc.ChunkType, compressedBytes uint64) {
	s.ReferenceHits.WithLabelValues(t.String()).Inc()
	s.ReusedBytes.WithLabelValues("reference").Add(float64(compressedBytes))
}

func (s *Sink) ReferenceRetrieveFailed(t toc.ChunkType) {
	s.ReferenceFailures.WithLabelValues(t.String()).Inc()
}

func (s *Sink) CacheHit(t toc.ChunkType, compressedBytes uint64) {
	s.CacheRequests.WithLabelValues(t.String(), "hit").Inc()
	s.ReusedBytes.WithLabelValues("cache").Add(float64(compressedBytes))
}

func (s *Sink) CacheMiss(t toc.ChunkType) { s.CacheRequests.WithLabelValues(t.String(), "miss").Inc() }

func (s *Sink) CachePut(t toc.ChunkType, compressedBytes uint64) {
	s.CachePuts.WithLabelValues(t.String(), "ok").Inc()
	s.CachePutBytes.Add(float64(compressedBytes))
}

func (s *Sink) CachePutFailed(t toc.ChunkType) { s.CachePuts.WithLabelValues(t.String(), "error").Inc() }

func (s *Sink) CompressionStarted(t toc.ChunkType) {
	s.CompressionStarts.WithLabelValues(t.String()).Inc()
}

func (s *Sink) CompressionTask() { s.CompressionTasks.Inc() }

func (s *Sink) ChunkCompressed(t toc.ChunkType) { s.Compressed.WithLabelValues(t.String()).Inc() }

func (s *Sink) ChunkWritten(t toc.ChunkType, diskBytes uint64) {
	s.Written.WithLabelValues(t.String()).Inc()
	s.WrittenBytes.Add(float64(diskBytes))
}
