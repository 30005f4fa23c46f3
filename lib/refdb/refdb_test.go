// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refdb_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/refdb"
	"github.com/bureau-foundation/chunkpack/lib/secret"
	"github.com/bureau-foundation/chunkpack/lib/testutil"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

type chunk struct {
	id   toc.ChunkID
	data []byte
}

func testChunks() []chunk {
	return []chunk{
		{id: toc.NewChunkID(1, 0, toc.ChunkTypeBulkData), data: testutil.CompressibleBytes(150000, 1)},
		{id: toc.NewChunkID(2, 0, toc.ChunkTypeExportBundleData), data: testutil.CompressibleBytes(4000, 2)},
		{id: toc.NewChunkID(3, 0, toc.ChunkTypeBulkData), data: testutil.RandomBytes(2000, 3)},
	}
}

// buildContainer writes a container and returns its TOC path.
func buildContainer(t *testing.T, basePath string, container packer.ContainerSettings, chunks []chunk, database packer.ReferenceChunkDatabase) packer.Result {
	t.Helper()
	settings := packer.DefaultWriterSettings()
	c, err := packer.NewContext(settings)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer c.Close()
	writer, err := c.CreateContainer(basePath, container)
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if database != nil {
		writer.SetReferenceChunkDatabase(database)
	}
	for _, chunk := range chunks {
		if err := writer.Append(context.Background(), chunk.id, packer.NewBytesSource(chunk.data, 0), packer.WriteOptions{}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	result, ok := writer.Result()
	if !ok {
		t.Fatal("no result")
	}
	return result
}

func openDatabase(t *testing.T, masterKey *secret.Buffer) *refdb.Database {
	t.Helper()
	database, err := refdb.Open(refdb.Config{
		Path:      filepath.Join(t.TempDir(), "reference.db"),
		BlockSize: packer.DefaultCompressionBlockSize,
		PoolSize:  2,
		MasterKey: masterKey,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func decode(t *testing.T, reference *packer.ReferenceChunk) []byte {
	t.Helper()
	var data []byte
	for index, block := range reference.Blocks {
		decoded := make([]byte, block.UncompressedSize)
		if err := blockcompress.Decompress(block.Method, decoded, block.Data); err != nil {
			t.Fatalf("block %d: %v", index, err)
		}
		data = append(data, decoded...)
	}
	return data
}

func TestIndexAndRetrieve(t *testing.T) {
	chunks := testChunks()
	container := packer.ContainerSettings{ContainerID: 21, Flags: toc.ContainerCompressed}
	result := buildContainer(t, filepath.Join(t.TempDir(), "game"), container, chunks, nil)

	database := openDatabase(t, nil)
	stats, err := database.IndexContainer(context.Background(), result.TocPath)
	if err != nil {
		t.Fatalf("IndexContainer: %v", err)
	}
	if stats.Chunks != 3 || stats.ContainerID != 21 {
		t.Errorf("IndexStats = %+v, want 3 chunks of container 21", stats)
	}
	if stats.Blocks != 3+1+1 {
		t.Errorf("IndexStats.Blocks = %d, want 5", stats.Blocks)
	}

	containers, indexed, err := database.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if containers != 1 || indexed != 3 {
		t.Errorf("Summary = %d containers, %d chunks; want 1, 3", containers, indexed)
	}

	// Answers come from SQLite before preloading and from memory after.
	for _, preload := range []bool{false, true} {
		if preload {
			database.NotifyAddedToContainer(21, "game")
		}
		for _, chunk := range chunks {
			hash := toc.HashChunk(chunk.data)
			count, ok := database.ChunkExists(21, hash, chunk.id)
			if !ok {
				t.Fatalf("ChunkExists(%s) = false (preload %v)", chunk.id, preload)
			}
			if want := (len(chunk.data) + packer.DefaultCompressionBlockSize - 1) / packer.DefaultCompressionBlockSize; count != want {
				t.Errorf("ChunkExists(%s) blocks = %d, want %d", chunk.id, count, want)
			}
			reference, err := database.RetrieveChunk(context.Background(), 21, hash, chunk.id)
			if err != nil {
				t.Fatalf("RetrieveChunk(%s): %v", chunk.id, err)
			}
			if !bytes.Equal(decode(t, reference), chunk.data) {
				t.Errorf("chunk %s: retrieved bytes differ", chunk.id)
			}
		}
	}

	missing := toc.HashChunk([]byte("never written"))
	if _, ok := database.ChunkExists(21, missing, chunks[0].id); ok {
		t.Error("ChunkExists found an unknown hash")
	}
	if _, ok := database.ChunkExists(22, toc.HashChunk(chunks[0].data), chunks[0].id); ok {
		t.Error("ChunkExists matched a different container")
	}
	if _, err := database.RetrieveChunk(context.Background(), 21, missing, chunks[0].id); !errors.Is(err, refdb.ErrChunkNotFound) {
		t.Errorf("RetrieveChunk(unknown) = %v, want ErrChunkNotFound", err)
	}
}

func TestReindexReplacesContainer(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "game")
	container := packer.ContainerSettings{ContainerID: 5, Flags: toc.ContainerCompressed}
	chunks := testChunks()
	result := buildContainer(t, basePath, container, chunks, nil)

	database := openDatabase(t, nil)
	for range 2 {
		if _, err := database.IndexContainer(context.Background(), result.TocPath); err != nil {
			t.Fatalf("IndexContainer: %v", err)
		}
	}
	containers, indexed, err := database.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if containers != 1 || indexed != len(chunks) {
		t.Errorf("Summary after reindex = %d containers, %d chunks; want 1, %d", containers, indexed, len(chunks))
	}
}

func TestIndexRejectsBlockSizeMismatch(t *testing.T) {
	settings := packer.DefaultWriterSettings()
	settings.CompressionBlockSize = 32 << 10
	c, err := packer.NewContext(settings)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer c.Close()
	writer, err := c.CreateContainer(filepath.Join(t.TempDir(), "small"), packer.ContainerSettings{ContainerID: 1, Flags: toc.ContainerCompressed})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	result, _ := writer.Result()

	database := openDatabase(t, nil)
	if _, err := database.IndexContainer(context.Background(), result.TocPath); !errors.Is(err, refdb.ErrBlockSizeMismatch) {
		t.Errorf("IndexContainer = %v, want ErrBlockSizeMismatch", err)
	}
}

func TestEncryptedReferenceContainer(t *testing.T) {
	masterKey, err := secret.Random(blockcrypt.KeySize)
	if err != nil {
		t.Fatalf("secret.Random: %v", err)
	}
	defer masterKey.Close()

	chunks := testChunks()
	container := packer.ContainerSettings{
		ContainerID:   9,
		Flags:         toc.ContainerCompressed | toc.ContainerEncrypted,
		EncryptionKey: masterKey,
	}
	result := buildContainer(t, filepath.Join(t.TempDir(), "secure"), container, chunks, nil)
	hash := toc.HashChunk(chunks[0].data)

	withKey := openDatabase(t, masterKey)
	if _, err := withKey.IndexContainer(context.Background(), result.TocPath); err != nil {
		t.Fatalf("IndexContainer: %v", err)
	}
	reference, err := withKey.RetrieveChunk(context.Background(), 9, hash, chunks[0].id)
	if err != nil {
		t.Fatalf("RetrieveChunk: %v", err)
	}
	if !bytes.Equal(decode(t, reference), chunks[0].data) {
		t.Error("decrypted chunk differs")
	}

	withoutKey := openDatabase(t, nil)
	if _, err := withoutKey.IndexContainer(context.Background(), result.TocPath); err != nil {
		t.Fatalf("IndexContainer: %v", err)
	}
	if _, err := withoutKey.RetrieveChunk(context.Background(), 9, hash, chunks[0].id); !errors.Is(err, refdb.ErrNoDecryptionKey) {
		t.Errorf("RetrieveChunk without key = %v, want ErrNoDecryptionKey", err)
	}
}

func TestRebuildReusesReferenceChunks(t *testing.T) {
	directory := t.TempDir()
	chunks := testChunks()
	container := packer.ContainerSettings{ContainerID: 33, Flags: toc.ContainerCompressed}
	first := buildContainer(t, filepath.Join(directory, "v1", "game"), container, chunks, nil)

	database := openDatabase(t, nil)
	if _, err := database.IndexContainer(context.Background(), first.TocPath); err != nil {
		t.Fatalf("IndexContainer: %v", err)
	}

	second := buildContainer(t, filepath.Join(directory, "v2", "game"), container, chunks, database)
	if second.ContextStats.Total.ReferenceHits != uint64(len(chunks)) {
		t.Errorf("ReferenceHits = %d, want %d", second.ContextStats.Total.ReferenceHits, len(chunks))
	}
	if second.ReferenceCacheMissBytes != 0 {
		t.Errorf("ReferenceCacheMissBytes = %d, want 0", second.ReferenceCacheMissBytes)
	}
	if second.Partitions[0].Digest != first.Partitions[0].Digest {
		t.Error("partition rebuilt from references differs from the original")
	}
}

func TestRetrieveFailsWhenPartitionIsGone(t *testing.T) {
	chunks := testChunks()
	container := packer.ContainerSettings{ContainerID: 4, Flags: toc.ContainerCompressed}
	result := buildContainer(t, filepath.Join(t.TempDir(), "gone"), container, chunks, nil)

	database := openDatabase(t, nil)
	if _, err := database.IndexContainer(context.Background(), result.TocPath); err != nil {
		t.Fatalf("IndexContainer: %v", err)
	}
	if err := os.Remove(result.Partitions[0].Path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := database.RetrieveChunk(context.Background(), 4, toc.HashChunk(chunks[0].data), chunks[0].id); err == nil {
		t.Error("RetrieveChunk succeeded without the partition file")
	}
}

func TestOpenRequiresBlockSize(t *testing.T) {
	if _, err := refdb.Open(refdb.Config{Path: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Error("Open accepted a zero block size")
	}
}
