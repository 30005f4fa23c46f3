// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/testutil"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

func cachedSettings(store contentcache.Store) WriterSettings {
	settings := testSettings()
	settings.UseCache = true
	settings.Cache = store
	return settings
}

func cacheChunks() []testChunk {
	return []testChunk{
		{id: chunkID(1), data: testutil.CompressibleBytes(180000, 1)},
		{id: chunkID(2), data: testutil.CompressibleBytes(40000, 2)},
		{id: chunkID(3), data: testutil.CompressibleBytes(3000, 3)},
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

func TestCacheMissThenHit(t *testing.T) {
	store := contentcache.NewMemoryStore()
	chunks := cacheChunks()
	directory := t.TempDir()

	first, _ := mustBuild(t, cachedSettings(store), compressedContainer(1), filepath.Join(directory, "first"), chunks, nil)
	if first.ContextStats.Total.CacheMisses != 3 || first.ContextStats.Total.CacheHits != 0 {
		t.Errorf("first build misses/hits = %d/%d, want 3/0", first.ContextStats.Total.CacheMisses, first.ContextStats.Total.CacheHits)
	}
	if first.ContextStats.Total.CachePuts != 3 || store.Len() != 3 {
		t.Errorf("first build puts = %d, store holds %d, want 3", first.ContextStats.Total.CachePuts, store.Len())
	}

	secondBase := filepath.Join(directory, "second")
	second, resource := mustBuild(t, cachedSettings(store), compressedContainer(1), secondBase, chunks, nil)
	if second.ContextStats.Total.CacheHits != 3 || second.ContextStats.Total.CacheMisses != 0 {
		t.Errorf("second build hits/misses = %d/%d, want 3/0", second.ContextStats.Total.CacheHits, second.ContextStats.Total.CacheMisses)
	}
	if second.ContextStats.Total.Compressed != 0 {
		t.Errorf("second build compressed %d chunks, want 0", second.ContextStats.Total.Compressed)
	}
	if second.ContextStats.CacheGetBytes != first.ContextStats.CachePutBytes {
		t.Errorf("CacheGetBytes = %d, CachePutBytes of first build = %d", second.ContextStats.CacheGetBytes, first.ContextStats.CachePutBytes)
	}

	if !bytes.Equal(readFile(t, first.Partitions[0].Path), readFile(t, second.Partitions[0].Path)) {
		t.Error("partition built from the cache differs from the original")
	}
	if first.Partitions[0].Digest != second.Partitions[0].Digest {
		t.Error("partition digests differ")
	}
	requireChunks(t, secondBase, resource, nil, chunks)
}

func TestCacheKeyDependsOnSettings(t *testing.T) {
	store := contentcache.NewMemoryStore()
	chunks := cacheChunks()
	directory := t.TempDir()
	mustBuild(t, cachedSettings(store), compressedContainer(1), filepath.Join(directory, "a"), chunks, nil)

	// A different savings threshold can change block encodings, so
	// nothing may be served from the first build's entries.
	settings := cachedSettings(store)
	settings.MinPercentSaved = 20
	result, _ := mustBuild(t, settings, compressedContainer(1), filepath.Join(directory, "b"), chunks, nil)
	if result.ContextStats.Total.CacheHits != 0 {
		t.Errorf("CacheHits = %d, want 0", result.ContextStats.Total.CacheHits)
	}
}

func TestSmallChunksSkipCache(t *testing.T) {
	store := contentcache.NewMemoryStore()
	settings := cachedSettings(store)
	settings.MinSizeToConsiderCache = 10000
	chunks := cacheChunks()
	result, _ := mustBuild(t, settings, compressedContainer(1), filepath.Join(t.TempDir(), "c"), chunks, nil)
	if result.ContextStats.Total.CacheMisses != 2 {
		t.Errorf("CacheMisses = %d, want 2", result.ContextStats.Total.CacheMisses)
	}
	if gets, _ := store.Counts(); gets != 2 {
		t.Errorf("cache lookups = %d, want 2", gets)
	}
}

func TestMalformedCachePayloadIsMiss(t *testing.T) {
	store := contentcache.NewMemoryStore()
	settings := cachedSettings(store)
	chunks := cacheChunks()

	c, err := NewContext(settings)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer c.Close()
	key := contentcache.MakeKey(contentcache.KeyParams{
		ChunkHash:       toc.HashChunk(chunks[0].data),
		Method:          c.settings.CompressionMethod,
		BlockSize:       c.settings.CompressionBlockSize,
		BufferSize:      uint32(c.bufferSize),
		MinBytesSaved:   c.settings.MinBytesSaved,
		MinPercentSaved: c.settings.MinPercentSaved,
	})
	store.Set(key, []byte("not a payload"))

	basePath := filepath.Join(t.TempDir(), "bad")
	result, resource := mustBuild(t, settings, compressedContainer(1), basePath, chunks, nil)
	if result.ContextStats.Total.CacheMisses != 3 || result.ContextStats.Total.CacheHits != 0 {
		t.Errorf("misses/hits = %d/%d, want 3/0", result.ContextStats.Total.CacheMisses, result.ContextStats.Total.CacheHits)
	}
	requireChunks(t, basePath, resource, nil, chunks)

	// The corrupt value was replaced by a valid payload.
	gets := store.Get(t.Context(), []contentcache.Key{key})
	if _, err := contentcache.DecodePayload(gets[0].Data, settings.CompressionBlockSize, uint32(c.bufferSize)); err != nil {
		t.Errorf("payload after rebuild: %v", err)
	}
}

func TestCachePutFailuresAreCounted(t *testing.T) {
	store := contentcache.NewMemoryStore()
	store.FailPuts(errors.New("disk full"))
	chunks := cacheChunks()
	basePath := filepath.Join(t.TempDir(), "putfail")
	result, resource := mustBuild(t, cachedSettings(store), compressedContainer(1), basePath, chunks, nil)
	if result.ContextStats.Total.CachePutErrors != 3 {
		t.Errorf("CachePutErrors = %d, want 3", result.ContextStats.Total.CachePutErrors)
	}
	bulk := result.ContextStats.ByType[toc.ChunkTypeBulkData.String()]
	if bulk.CachePutErrors != 3 || bulk.CacheMisses != 3 {
		t.Errorf("bulk data put errors/misses = %d/%d, want 3/3", bulk.CachePutErrors, bulk.CacheMisses)
	}
	requireChunks(t, basePath, resource, nil, chunks)
}

// fakeReferenceDB serves chunks read back from a finished container.
type fakeReferenceDB struct {
	blockSize   uint32
	containerID toc.ContainerID

	mu        sync.Mutex
	chunks    map[toc.Hash]*ReferenceChunk
	fail      error
	notified  []string
	retrieved int
}

func newFakeReferenceDB(t *testing.T, basePath string, resource *toc.Resource) *fakeReferenceDB {
	t.Helper()
	database := &fakeReferenceDB{
		blockSize:   resource.CompressionBlockSize,
		containerID: resource.ContainerID,
		chunks:      make(map[toc.Hash]*ReferenceChunk),
	}
	for index, id := range resource.ChunkIDs {
		blocks := readBlocks(t, basePath, resource, nil, id)
		database.chunks[resource.Metas[index].Hash] = &ReferenceChunk{Blocks: blocks}
	}
	return database
}

func (d *fakeReferenceDB) CompressionBlockSize() uint32 { return d.blockSize }

func (d *fakeReferenceDB) NotifyAddedToContainer(_ toc.ContainerID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, name)
}

func (d *fakeReferenceDB) ChunkExists(containerID toc.ContainerID, hash toc.Hash, _ toc.ChunkID) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chunk, ok := d.chunks[hash]
	if !ok || containerID != d.containerID {
		return 0, false
	}
	return len(chunk.Blocks), true
}

func (d *fakeReferenceDB) RetrieveChunk(_ context.Context, _ toc.ContainerID, hash toc.Hash, _ toc.ChunkID) (*ReferenceChunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retrieved++
	if d.fail != nil {
		return nil, d.fail
	}
	return d.chunks[hash], nil
}

func TestReferenceDatabaseReuse(t *testing.T) {
	directory := t.TempDir()
	original := []testChunk{
		{id: chunkID(1), data: testutil.CompressibleBytes(100000, 1)},
		{id: chunkID(2), data: testutil.CompressibleBytes(3000, 2)},
	}
	firstBase := filepath.Join(directory, "v1")
	_, firstResource := mustBuild(t, testSettings(), compressedContainer(7), firstBase, original, nil)
	database := newFakeReferenceDB(t, firstBase, firstResource)

	chunks := append(append([]testChunk(nil), original...), testChunk{id: chunkID(3), data: testutil.CompressibleBytes(5000, 3)})
	secondBase := filepath.Join(directory, "v2")
	result, resource := mustBuild(t, testSettings(), compressedContainer(7), secondBase, chunks, func(writer *ContainerWriter) {
		writer.SetReferenceChunkDatabase(database)
	})

	if result.ContextStats.Total.ReferenceHits != 2 {
		t.Errorf("ReferenceHits = %d, want 2", result.ContextStats.Total.ReferenceHits)
	}
	if database.retrieved != 2 {
		t.Errorf("RetrieveChunk calls = %d, want 2", database.retrieved)
	}
	if len(database.notified) != 1 || database.notified[0] != "v2" {
		t.Errorf("notified = %v, want [v2]", database.notified)
	}
	if result.ReferenceCacheMissBytes == 0 || result.ReferenceCacheMissBytes >= result.TotalEntryCompressedSize {
		t.Errorf("ReferenceCacheMissBytes = %d of %d total", result.ReferenceCacheMissBytes, result.TotalEntryCompressedSize)
	}
	requireChunks(t, secondBase, resource, nil, chunks)

	// Reused blocks are copied verbatim.
	for _, chunk := range original {
		before := readBlocks(t, firstBase, firstResource, nil, chunk.id)
		after := readBlocks(t, secondBase, resource, nil, chunk.id)
		for index := range before {
			if !bytes.Equal(before[index].Data, after[index].Data) {
				t.Errorf("chunk %s block %d differs from the reference", chunk.id, index)
			}
		}
	}
}

func TestReferenceDatabaseFailureFallsBack(t *testing.T) {
	directory := t.TempDir()
	chunks := []testChunk{{id: chunkID(1), data: testutil.CompressibleBytes(100000, 1)}}
	firstBase := filepath.Join(directory, "v1")
	_, firstResource := mustBuild(t, testSettings(), compressedContainer(7), firstBase, chunks, nil)

	tests := []struct {
		name    string
		corrupt func(*fakeReferenceDB)
	}{
		{"retrieve error", func(d *fakeReferenceDB) { d.fail = errors.New("database locked") }},
		{"wrong block count", func(d *fakeReferenceDB) {
			for _, chunk := range d.chunks {
				chunk.Blocks = chunk.Blocks[:1]
			}
		}},
		{"short block data", func(d *fakeReferenceDB) {
			for _, chunk := range d.chunks {
				chunk.Blocks[0].Data = chunk.Blocks[0].Data[:1]
			}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			database := newFakeReferenceDB(t, firstBase, firstResource)
			// ChunkExists answers from the intact chunk; retrieval sees
			// the corruption.
			exists := make(map[toc.Hash]int)
			for hash, chunk := range database.chunks {
				exists[hash] = len(chunk.Blocks)
			}
			test.corrupt(database)
			wrapped := &fixedExistsDB{fakeReferenceDB: database, exists: exists}

			basePath := filepath.Join(t.TempDir(), "v2")
			result, resource := mustBuild(t, testSettings(), compressedContainer(7), basePath, chunks, func(writer *ContainerWriter) {
				writer.SetReferenceChunkDatabase(wrapped)
			})
			if result.ContextStats.ReferenceRetrieveFailures != 1 {
				t.Errorf("ReferenceRetrieveFailures = %d, want 1", result.ContextStats.ReferenceRetrieveFailures)
			}
			if result.ContextStats.Total.ReferenceHits != 0 {
				t.Errorf("ReferenceHits = %d, want 0", result.ContextStats.Total.ReferenceHits)
			}
			if result.ReferenceCacheMissBytes != result.TotalEntryCompressedSize {
				t.Errorf("ReferenceCacheMissBytes = %d, want %d", result.ReferenceCacheMissBytes, result.TotalEntryCompressedSize)
			}
			requireChunks(t, basePath, resource, nil, chunks)
		})
	}
}

// fixedExistsDB answers ChunkExists from a fixed table.
type fixedExistsDB struct {
	*fakeReferenceDB
	exists map[toc.Hash]int
}

func (d *fixedExistsDB) ChunkExists(_ toc.ContainerID, hash toc.Hash, _ toc.ChunkID) (int, bool) {
	count, ok := d.exists[hash]
	return count, ok
}

func TestReferenceDatabaseWithOtherBlockSizeIsIgnored(t *testing.T) {
	database := &fakeReferenceDB{blockSize: 1 << 20, chunks: make(map[toc.Hash]*ReferenceChunk)}
	chunks := []testChunk{{id: chunkID(1), data: testutil.CompressibleBytes(5000, 1)}}
	result, _ := mustBuild(t, testSettings(), compressedContainer(7), filepath.Join(t.TempDir(), "c"), chunks, func(writer *ContainerWriter) {
		writer.SetReferenceChunkDatabase(database)
	})
	if len(database.notified) != 0 {
		t.Errorf("mismatched database was notified: %v", database.notified)
	}
	if result.ReferenceCacheMissBytes != 0 {
		t.Errorf("ReferenceCacheMissBytes = %d, want 0", result.ReferenceCacheMissBytes)
	}
}

func TestDiskLayoutRebuildKeepsPositions(t *testing.T) {
	settings := testSettings()
	settings.MaxPartitionSize = 1 << 20
	directory := t.TempDir()

	version1 := []testChunk{
		{id: chunkID(1), data: testutil.CompressibleBytes(70000, 1), order: 1},
		{id: chunkID(2), data: testutil.CompressibleBytes(20000, 2), order: 2},
		{id: chunkID(3), data: testutil.RandomBytes(9000, 3), order: 3},
	}
	firstBase := filepath.Join(directory, "v1")
	_, previous := mustBuild(t, settings, compressedContainer(11), firstBase, version1, nil)

	// Same chunks, one modified, appended in reverse.
	version2 := []testChunk{
		version1[2],
		{id: chunkID(2), data: testutil.CompressibleBytes(25000, 9), order: 2},
		version1[0],
	}
	secondBase := filepath.Join(directory, "v2")
	result, resource := mustBuild(t, settings, compressedContainer(11), secondBase, version2, func(writer *ContainerWriter) {
		if err := writer.EnableDiskLayoutOrdering([]*toc.Resource{previous}); err != nil {
			t.Fatalf("EnableDiskLayoutOrdering: %v", err)
		}
	})

	if result.ModifiedChunksCount != 1 || result.AddedChunksCount != 0 {
		t.Errorf("modified/added = %d/%d, want 1/0", result.ModifiedChunksCount, result.AddedChunksCount)
	}
	if result.ModifiedChunksSize == 0 {
		t.Error("ModifiedChunksSize = 0")
	}

	location := func(resource *toc.Resource, id toc.ChunkID) toc.ChunkLocation {
		index, ok := resource.Lookup(id)
		if !ok {
			t.Fatalf("chunk %s missing", id)
		}
		location, err := resource.Location(index)
		if err != nil {
			t.Fatalf("Location: %v", err)
		}
		return location
	}
	before := location(previous, chunkID(1))
	after := location(resource, chunkID(1))
	if before.Partition != after.Partition || before.PartitionOffset != after.PartitionOffset {
		t.Errorf("unchanged first chunk moved from %d:%d to %d:%d",
			before.Partition, before.PartitionOffset, after.Partition, after.PartitionOffset)
	}
	// Disk order follows the previous build, not Append order.
	if location(resource, chunkID(2)).PartitionOffset <= after.PartitionOffset ||
		location(resource, chunkID(3)).PartitionOffset <= location(resource, chunkID(2)).PartitionOffset {
		t.Error("rebuilt container does not keep the previous disk order")
	}
	requireChunks(t, secondBase, resource, nil, version2)
}

func TestDiskLayoutAddsNewChunksAfterPredecessor(t *testing.T) {
	directory := t.TempDir()
	version1 := []testChunk{
		{id: chunkID(1), data: testutil.RandomBytes(1000, 1), order: 1},
		{id: chunkID(2), data: testutil.RandomBytes(1000, 2), order: 3},
	}
	firstBase := filepath.Join(directory, "v1")
	_, previous := mustBuild(t, testSettings(), compressedContainer(12), firstBase, version1, nil)

	version2 := []testChunk{
		version1[0],
		{id: chunkID(5), data: testutil.RandomBytes(1000, 5), order: 2},
		{id: chunkID(6), data: testutil.RandomBytes(1000, 6), order: 2},
		version1[1],
	}
	secondBase := filepath.Join(directory, "v2")
	result, resource := mustBuild(t, testSettings(), compressedContainer(12), secondBase, version2, func(writer *ContainerWriter) {
		if err := writer.EnableDiskLayoutOrdering([]*toc.Resource{previous}); err != nil {
			t.Fatalf("EnableDiskLayoutOrdering: %v", err)
		}
	})
	if result.AddedChunksCount != 2 {
		t.Errorf("AddedChunksCount = %d, want 2", result.AddedChunksCount)
	}

	var offsets []uint64
	for _, id := range []toc.ChunkID{chunkID(1), chunkID(5), chunkID(6), chunkID(2)} {
		index, _ := resource.Lookup(id)
		location, err := resource.Location(index)
		if err != nil {
			t.Fatalf("Location: %v", err)
		}
		offsets = append(offsets, location.PartitionOffset)
	}
	for index := 1; index < len(offsets); index++ {
		if offsets[index] <= offsets[index-1] {
			t.Fatalf("disk offsets %v are not in 1, 5, 6, 2 order", offsets)
		}
	}
	requireChunks(t, secondBase, resource, nil, version2)
}

func TestDiskLayoutMovesModifiedChunksAfterPredecessor(t *testing.T) {
	directory := t.TempDir()
	version1 := []testChunk{
		{id: chunkID(1), data: testutil.RandomBytes(1000, 1), order: 1},
		{id: chunkID(2), data: testutil.RandomBytes(1000, 2), order: 2},
		{id: chunkID(3), data: testutil.RandomBytes(1000, 3), order: 3},
	}
	firstBase := filepath.Join(directory, "v1")
	_, previous := mustBuild(t, testSettings(), compressedContainer(14), firstBase, version1, nil)

	// Chunk 2 changes and now sorts after chunk 3.
	version2 := []testChunk{
		version1[0],
		{id: chunkID(2), data: testutil.RandomBytes(1000, 7), order: 4},
		version1[2],
	}
	secondBase := filepath.Join(directory, "v2")
	result, resource := mustBuild(t, testSettings(), compressedContainer(14), secondBase, version2, func(writer *ContainerWriter) {
		if err := writer.EnableDiskLayoutOrdering([]*toc.Resource{previous}); err != nil {
			t.Fatalf("EnableDiskLayoutOrdering: %v", err)
		}
	})
	if result.ModifiedChunksCount != 1 {
		t.Errorf("ModifiedChunksCount = %d, want 1", result.ModifiedChunksCount)
	}

	var offsets []uint64
	for _, id := range []toc.ChunkID{chunkID(1), chunkID(3), chunkID(2)} {
		index, _ := resource.Lookup(id)
		location, err := resource.Location(index)
		if err != nil {
			t.Fatalf("Location: %v", err)
		}
		offsets = append(offsets, location.PartitionOffset)
	}
	for index := 1; index < len(offsets); index++ {
		if offsets[index] <= offsets[index-1] {
			t.Fatalf("disk offsets %v are not in 1, 3, 2 order", offsets)
		}
	}
	requireChunks(t, secondBase, resource, nil, version2)
}

func TestDiffPatchWritesOnlyChanges(t *testing.T) {
	directory := t.TempDir()
	version1 := []testChunk{
		{id: chunkID(1), data: testutil.CompressibleBytes(30000, 1)},
		{id: chunkID(2), data: testutil.CompressibleBytes(30000, 2)},
	}
	_, previous := mustBuild(t, testSettings(), compressedContainer(13), filepath.Join(directory, "base"), version1, nil)

	version2 := []testChunk{
		version1[0],
		{id: chunkID(2), data: testutil.CompressibleBytes(30000, 3)},
		{id: chunkID(4), data: testutil.CompressibleBytes(2000, 4)},
	}
	container := compressedContainer(13)
	container.GenerateDiffPatch = true
	patchBase := filepath.Join(directory, "patch")
	result, resource := mustBuild(t, testSettings(), container, patchBase, version2, func(writer *ContainerWriter) {
		if err := writer.EnableDiskLayoutOrdering([]*toc.Resource{previous}); err != nil {
			t.Fatalf("EnableDiskLayoutOrdering: %v", err)
		}
	})

	if result.TocEntryCount != 2 {
		t.Errorf("TocEntryCount = %d, want 2", result.TocEntryCount)
	}
	if result.ModifiedChunksCount != 1 || result.AddedChunksCount != 1 {
		t.Errorf("modified/added = %d/%d, want 1/1", result.ModifiedChunksCount, result.AddedChunksCount)
	}
	if _, ok := resource.Lookup(chunkID(1)); ok {
		t.Error("unchanged chunk written to the patch")
	}
	requireChunks(t, patchBase, resource, nil, version2[1:])
}
