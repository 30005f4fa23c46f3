// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleBuilder(t *testing.T) *Builder {
	t.Helper()
	builder := NewBuilder(ContainerID(0x1234), ContainerCompressed|ContainerSigned|ContainerIndexed, 64<<10)

	lz4, err := builder.MethodIndex("lz4")
	if err != nil {
		t.Fatalf("MethodIndex: %v", err)
	}

	// Chunk A spans two blocks, chunk B one block.
	a := NewChunkID(1, 0, ChunkTypeExportBundleData)
	b := NewChunkID(2, 0, ChunkTypeBulkData)
	builder.AddChunk(a, OffsetLength{Offset: 0, Length: 100000}, EntryMeta{Hash: HashChunk([]byte("a")), Flags: MetaCompressed})
	builder.AddChunk(b, OffsetLength{Offset: 128 << 10, Length: 10}, EntryMeta{Hash: HashChunk([]byte("b"))})

	blocks := []CompressedBlock{
		{Offset: 0, CompressedSize: 1000, UncompressedSize: 64 << 10, MethodIndex: lz4},
		{Offset: 1008, CompressedSize: 999, UncompressedSize: 100000 - 64<<10, MethodIndex: lz4},
		{Offset: 2016, CompressedSize: 10, UncompressedSize: 10},
	}
	for _, block := range blocks {
		builder.AddBlock(block)
		builder.AddBlockSignature(SignBlock([]byte{byte(block.CompressedSize)}))
	}
	builder.AddFile("Content/a.bin", a)
	builder.AddFile("Content/b.bin", b)
	builder.SetPartitions(1, UnlimitedPartitionSize)
	return builder
}

func TestWriteReadRoundtrip(t *testing.T) {
	builder := sampleBuilder(t)
	resource, _ := builder.Finalize()

	directory, err := builder.DirectoryIndex("../../../Game/")
	if err != nil {
		t.Fatalf("DirectoryIndex: %v", err)
	}
	resource.DirectoryIndex, err = EncodeDirectoryIndex(directory)
	if err != nil {
		t.Fatalf("EncodeDirectoryIndex: %v", err)
	}

	var buffer bytes.Buffer
	size, err := Write(&buffer, resource)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if size != int64(buffer.Len()) {
		t.Errorf("Write returned %d, buffer holds %d", size, buffer.Len())
	}

	decoded, err := Read(&buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(decoded, resource) {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, resource)
	}

	decodedDirectory, err := DecodeDirectoryIndex(decoded.DirectoryIndex)
	if err != nil {
		t.Fatalf("DecodeDirectoryIndex: %v", err)
	}
	if len(decodedDirectory.Files) != 2 || decodedDirectory.Files[0].Name != "Content/a.bin" {
		t.Fatalf("directory files = %+v", decodedDirectory.Files)
	}
	for _, file := range decodedDirectory.Files {
		id := decoded.ChunkIDs[file.TocIndex]
		want := NewChunkID(1, 0, ChunkTypeExportBundleData)
		if file.Name == "Content/b.bin" {
			want = NewChunkID(2, 0, ChunkTypeBulkData)
		}
		if id != want {
			t.Errorf("file %s -> %s, want %s", file.Name, id, want)
		}
	}
}

func TestWriteFileReadFile(t *testing.T) {
	resource, _ := sampleBuilder(t).Finalize()
	path := filepath.Join(t.TempDir(), "container.toc")

	if _, err := WriteFile(path, resource); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	decoded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if decoded.ChunkCount() != 2 {
		t.Errorf("ChunkCount = %d, want 2", decoded.ChunkCount())
	}
	name, err := decoded.MethodName(decoded.CompressionBlocks[0].MethodIndex)
	if err != nil || name != "lz4" {
		t.Errorf("MethodName = %q, %v; want lz4", name, err)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	data := make([]byte, headerSize)
	copy(data, "NOTATOC!")
	_, err := Read(bytes.NewReader(data))
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("Read error = %v, want ErrBadMagic", err)
	}
}

func TestReadRejectsTruncatedBody(t *testing.T) {
	resource, _ := sampleBuilder(t).Finalize()
	data, err := Marshal(resource)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Read(bytes.NewReader(data[:len(data)-5])); err == nil {
		t.Error("Read accepted a truncated TOC")
	}
}

func TestMarshalRejectsOversizedFields(t *testing.T) {
	builder := NewBuilder(1, 0, 64<<10)
	builder.AddChunk(NewChunkID(1, 0, ChunkTypeBulkData), OffsetLength{Offset: MaxOffset + 1, Length: 1}, EntryMeta{})
	resource, _ := builder.Finalize()
	if _, err := Marshal(resource); err == nil {
		t.Error("Marshal accepted an offset beyond 40 bits")
	}
}

func TestUint40Packing(t *testing.T) {
	for _, value := range []uint64{0, 1, 0xff, 0x1234567890, MaxOffset} {
		packed := appendUint40(nil, value)
		if len(packed) != 5 {
			t.Fatalf("packed length = %d, want 5", len(packed))
		}
		if got := readUint40(packed); got != value {
			t.Errorf("readUint40(appendUint40(%#x)) = %#x", value, got)
		}
	}
}
