// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packmetrics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/testutil"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

func TestSinkCountsEvents(t *testing.T) {
	sink := New(prometheus.NewRegistry())

	sink.ChunkAppended(toc.ChunkTypeBulkData)
	sink.ChunkAppended(toc.ChunkTypeBulkData)
	sink.ChunkHashed(toc.ChunkTypeBulkData, true)
	sink.ChunkHashed(toc.ChunkTypeBulkData, false)
	sink.CacheHit(toc.ChunkTypeShaderCode, 100)
	sink.CacheMiss(toc.ChunkTypeShaderCode)
	sink.ReferenceHit(toc.ChunkTypeBulkData, 50)
	sink.CompressionTask()
	sink.CompressionStarted(toc.ChunkTypeBulkData)
	sink.ChunkWritten(toc.ChunkTypeBulkData, 4096)

	if got := promtest.ToFloat64(sink.Appended.WithLabelValues("bulk_data")); got != 2 {
		t.Errorf("appended = %v, want 2", got)
	}
	if got := promtest.ToFloat64(sink.Hashed.WithLabelValues("bulk_data", "true")); got != 1 {
		t.Errorf("precomputed hashes = %v, want 1", got)
	}
	if got := promtest.ToFloat64(sink.CacheRequests.WithLabelValues("shader_code", "hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := promtest.ToFloat64(sink.ReusedBytes.WithLabelValues("cache")); got != 100 {
		t.Errorf("cache reused bytes = %v, want 100", got)
	}
	if got := promtest.ToFloat64(sink.ReusedBytes.WithLabelValues("reference")); got != 50 {
		t.Errorf("reference reused bytes = %v, want 50", got)
	}
	if got := promtest.ToFloat64(sink.WrittenBytes); got != 4096 {
		t.Errorf("written bytes = %v, want 4096", got)
	}
	if got := promtest.ToFloat64(sink.CompressionTasks); got != 1 {
		t.Errorf("compression tasks = %v, want 1", got)
	}
	if got := promtest.ToFloat64(sink.CompressionStarts.WithLabelValues("bulk_data")); got != 1 {
		t.Errorf("compression starts = %v, want 1", got)
	}
}

func TestSinkIsAMetricsSink(t *testing.T) {
	var sink packer.MetricsSink = New(prometheus.NewRegistry())
	sink.CompressionStarted(toc.ChunkTypeShaderCode)
	sink.ChunkCompressed(toc.ChunkTypeShaderCode)
}

func TestRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry)

	// Registering twice on one registry must fail.
	defer func() {
		if recover() == nil {
			t.Error("second New on the same registry did not panic")
		}
	}()
	New(registry)
}

func TestSinkMatchesContextCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := New(registry)
	store := contentcache.NewMemoryStore()

	build := func(name string) packer.Result {
		settings := packer.DefaultWriterSettings()
		settings.UseCache = true
		settings.Cache = store
		settings.Metrics = sink
		c, err := packer.NewContext(settings)
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		defer c.Close()
		writer, err := c.CreateContainer(filepath.Join(t.TempDir(), name), packer.ContainerSettings{
			ContainerID: 1,
			Flags:       toc.ContainerCompressed,
		})
		if err != nil {
			t.Fatalf("CreateContainer: %v", err)
		}
		for index := range 4 {
			id := toc.NewChunkID(uint64(index+1), 0, toc.ChunkTypeBulkData)
			source := packer.NewBytesSource(testutil.CompressibleBytes(70000, index), 0)
			if err := writer.Append(context.Background(), id, source, packer.WriteOptions{}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		if err := c.Flush(context.Background()); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		result, _ := writer.Result()
		return result
	}

	first := build("first")
	second := build("second")

	if got := promtest.ToFloat64(sink.Appended.WithLabelValues("bulk_data")); got != 8 {
		t.Errorf("appended = %v, want 8", got)
	}
	if got := promtest.ToFloat64(sink.CacheRequests.WithLabelValues("bulk_data", "miss")); got != float64(first.ContextStats.Total.CacheMisses) {
		t.Errorf("cache misses = %v, want %d", got, first.ContextStats.Total.CacheMisses)
	}
	if got := promtest.ToFloat64(sink.CacheRequests.WithLabelValues("bulk_data", "hit")); got != float64(second.ContextStats.Total.CacheHits) {
		t.Errorf("cache hits = %v, want %d", got, second.ContextStats.Total.CacheHits)
	}
	if got := promtest.ToFloat64(sink.Compressed.WithLabelValues("bulk_data")); got != float64(first.ContextStats.Total.Compressed+second.ContextStats.Total.Compressed) {
		t.Errorf("compressed = %v, want %d", got, first.ContextStats.Total.Compressed+second.ContextStats.Total.Compressed)
	}
	if got := promtest.ToFloat64(sink.Written.WithLabelValues("bulk_data")); got != 8 {
		t.Errorf("written = %v, want 8", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("registry gathered no metric families")
	}
}
