// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// FormatVersion is the TOC layout version written and accepted.
const FormatVersion = tocVersion

const (
	tocVersion = 1

	// headerSize is the fixed TOC header:
	//   magic[8] headerSize u32 entryCount u32 blockCount u32
	//   blockEntrySize u32 methodCount u32 methodNameLength u32
	//   compressionBlockSize u32 directoryIndexSize u32
	//   partitionCount u32 flags u8 reserved[3] containerID u64
	//   partitionSize u64 seedCount u32 overflowCount u32
	//   signatureCount u32 reserved[20]
	headerSize = 96

	offsetLengthSize    = 10
	compressedBlockSize = 12
	entryMetaSize       = 36

	// maxBodySize rejects headers describing an implausibly large TOC
	// before anything is allocated.
	maxBodySize = 1 << 34
)

var tocMagic = [8]byte{'C', 'H', 'K', 'P', 'A', 'C', 'K', tocVersion}

// ErrBadMagic is returned when a file does not start with the TOC magic.
var ErrBadMagic = errors.New("not a chunk container toc")

// Write serializes resource to w and returns the number of bytes
// written.
func Write(w io.Writer, resource *Resource) (int64, error) {
	data, err := Marshal(resource)
	if err != nil {
		return 0, err
	}
	written, err := w.Write(data)
	if err != nil {
		return int64(written), fmt.Errorf("writing toc: %w", err)
	}
	return int64(written), nil
}

// WriteFile writes resource to path, replacing any existing file.
func WriteFile(path string, resource *Resource) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating toc %s: %w", path, err)
	}
	size, err := Write(file, resource)
	if err != nil {
		file.Close()
		return size, err
	}
	if err := file.Close(); err != nil {
		return size, fmt.Errorf("closing toc %s: %w", path, err)
	}
	return size, nil
}

// Marshal encodes resource into the binary TOC format.
func Marshal(resource *Resource) ([]byte, error) {
	if err := validateForWrite(resource); err != nil {
		return nil, err
	}

	count := len(resource.ChunkIDs)
	data := make([]byte, 0, headerSize+count*(ChunkIDSize+offsetLengthSize+entryMetaSize+4)+
		len(resource.CompressionBlocks)*(compressedBlockSize+32)+len(resource.DirectoryIndex))

	data = append(data, tocMagic[:]...)
	data = binary.LittleEndian.AppendUint32(data, headerSize)
	data = binary.LittleEndian.AppendUint32(data, uint32(count))
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.CompressionBlocks)))
	data = binary.LittleEndian.AppendUint32(data, compressedBlockSize)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.CompressionMethods)))
	data = binary.LittleEndian.AppendUint32(data, MethodNameLength)
	data = binary.LittleEndian.AppendUint32(data, resource.CompressionBlockSize)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.DirectoryIndex)))
	data = binary.LittleEndian.AppendUint32(data, resource.PartitionCount)
	data = append(data, byte(resource.Flags), 0, 0, 0)
	data = binary.LittleEndian.AppendUint64(data, uint64(resource.ContainerID))
	data = binary.LittleEndian.AppendUint64(data, resource.PartitionSize)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.PerfectHashSeeds)))
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.OverflowIndices)))
	data = binary.LittleEndian.AppendUint32(data, uint32(len(resource.BlockSignatures)))
	data = append(data, make([]byte, headerSize-len(data))...)

	for _, id := range resource.ChunkIDs {
		data = append(data, id[:]...)
	}
	for _, offsetLength := range resource.OffsetLengths {
		data = appendUint40(data, offsetLength.Offset)
		data = appendUint40(data, offsetLength.Length)
	}
	for _, seed := range resource.PerfectHashSeeds {
		data = binary.LittleEndian.AppendUint32(data, uint32(seed))
	}
	for _, slot := range resource.OverflowIndices {
		data = binary.LittleEndian.AppendUint32(data, uint32(slot))
	}
	for _, block := range resource.CompressionBlocks {
		data = appendUint40(data, block.Offset)
		data = appendUint24(data, block.CompressedSize)
		data = appendUint24(data, block.UncompressedSize)
		data = append(data, block.MethodIndex)
	}
	for _, name := range resource.CompressionMethods {
		var field [MethodNameLength]byte
		copy(field[:], name)
		data = append(data, field[:]...)
	}
	for _, signature := range resource.BlockSignatures {
		data = append(data, signature[:]...)
	}
	data = append(data, resource.DirectoryIndex...)
	for _, meta := range resource.Metas {
		data = append(data, meta.Hash[:]...)
		data = append(data, byte(meta.Flags), 0, 0, 0)
	}
	return data, nil
}

func validateForWrite(resource *Resource) error {
	count := len(resource.ChunkIDs)
	if len(resource.OffsetLengths) != count || len(resource.Metas) != count {
		return fmt.Errorf("toc arrays disagree: %d ids, %d offset/lengths, %d metas",
			count, len(resource.OffsetLengths), len(resource.Metas))
	}
	if len(resource.BlockSignatures) != 0 && len(resource.BlockSignatures) != len(resource.CompressionBlocks) {
		return fmt.Errorf("toc has %d block signatures for %d blocks",
			len(resource.BlockSignatures), len(resource.CompressionBlocks))
	}
	for index, offsetLength := range resource.OffsetLengths {
		if offsetLength.Offset > MaxOffset || offsetLength.Length > MaxOffset {
			return fmt.Errorf("chunk %s: offset/length %d/%d exceeds 40 bits",
				resource.ChunkIDs[index], offsetLength.Offset, offsetLength.Length)
		}
	}
	for index, block := range resource.CompressionBlocks {
		if block.Offset > MaxOffset {
			return fmt.Errorf("block %d: offset %d exceeds 40 bits", index, block.Offset)
		}
		if block.CompressedSize > MaxBlockSize || block.UncompressedSize > MaxBlockSize {
			return fmt.Errorf("block %d: sizes %d/%d exceed 24 bits", index, block.CompressedSize, block.UncompressedSize)
		}
		if int(block.MethodIndex) > len(resource.CompressionMethods) {
			return fmt.Errorf("block %d: method index %d out of range", index, block.MethodIndex)
		}
	}
	return nil
}

// Read decodes a TOC from r.
func Read(r io.Reader) (*Resource, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading toc header: %w", err)
	}
	if [8]byte(header[0:8]) != tocMagic {
		if [7]byte(header[0:7]) == [7]byte(tocMagic[0:7]) {
			return nil, fmt.Errorf("unsupported toc version %d (want %d)", header[7], tocVersion)
		}
		return nil, ErrBadMagic
	}

	le := binary.LittleEndian
	if size := le.Uint32(header[8:12]); size != headerSize {
		return nil, fmt.Errorf("toc header size %d, want %d", size, headerSize)
	}
	count := uint64(le.Uint32(header[12:16]))
	blockCount := uint64(le.Uint32(header[16:20]))
	if entrySize := le.Uint32(header[20:24]); entrySize != compressedBlockSize {
		return nil, fmt.Errorf("toc block entry size %d, want %d", entrySize, compressedBlockSize)
	}
	methodCount := uint64(le.Uint32(header[24:28]))
	if nameLength := le.Uint32(header[28:32]); nameLength != MethodNameLength {
		return nil, fmt.Errorf("toc method name length %d, want %d", nameLength, MethodNameLength)
	}
	resource := &Resource{
		CompressionBlockSize: le.Uint32(header[32:36]),
		PartitionCount:       le.Uint32(header[40:44]),
		Flags:                ContainerFlags(header[44]),
		ContainerID:          ContainerID(le.Uint64(header[48:56])),
		PartitionSize:        le.Uint64(header[56:64]),
	}
	directorySize := uint64(le.Uint32(header[36:40]))
	seedCount := uint64(le.Uint32(header[64:68]))
	overflowCount := uint64(le.Uint32(header[68:72]))
	signatureCount := uint64(le.Uint32(header[72:76]))

	if methodCount >= MaxCompressionMethods {
		return nil, fmt.Errorf("toc declares %d compression methods (max %d)", methodCount, MaxCompressionMethods-1)
	}
	if signatureCount != 0 && signatureCount != blockCount {
		return nil, fmt.Errorf("toc declares %d signatures for %d blocks", signatureCount, blockCount)
	}

	bodySize := count*(ChunkIDSize+offsetLengthSize+entryMetaSize) +
		(seedCount+overflowCount)*4 +
		blockCount*compressedBlockSize +
		methodCount*MethodNameLength +
		signatureCount*32 +
		directorySize
	if bodySize > maxBodySize {
		return nil, fmt.Errorf("toc body of %d bytes exceeds limit", bodySize)
	}
	body := make([]byte, bodySize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading toc body: %w", err)
	}

	cursor := body
	take := func(n uint64) []byte {
		part := cursor[:n]
		cursor = cursor[n:]
		return part
	}

	resource.ChunkIDs = make([]ChunkID, count)
	for index := range resource.ChunkIDs {
		copy(resource.ChunkIDs[index][:], take(ChunkIDSize))
	}
	resource.OffsetLengths = make([]OffsetLength, count)
	for index := range resource.OffsetLengths {
		field := take(offsetLengthSize)
		resource.OffsetLengths[index] = OffsetLength{
			Offset: readUint40(field[0:5]),
			Length: readUint40(field[5:10]),
		}
	}
	if seedCount > 0 {
		resource.PerfectHashSeeds = make([]int32, seedCount)
		for index := range resource.PerfectHashSeeds {
			resource.PerfectHashSeeds[index] = int32(le.Uint32(take(4)))
		}
	}
	if overflowCount > 0 {
		resource.OverflowIndices = make([]int32, overflowCount)
		for index := range resource.OverflowIndices {
			resource.OverflowIndices[index] = int32(le.Uint32(take(4)))
		}
	}
	resource.CompressionBlocks = make([]CompressedBlock, blockCount)
	for index := range resource.CompressionBlocks {
		field := take(compressedBlockSize)
		block := CompressedBlock{
			Offset:           readUint40(field[0:5]),
			CompressedSize:   readUint24(field[5:8]),
			UncompressedSize: readUint24(field[8:11]),
			MethodIndex:      field[11],
		}
		if uint64(block.MethodIndex) > methodCount {
			return nil, fmt.Errorf("toc block %d: method index %d out of range", index, block.MethodIndex)
		}
		resource.CompressionBlocks[index] = block
	}
	for range methodCount {
		field := take(MethodNameLength)
		length := 0
		for length < len(field) && field[length] != 0 {
			length++
		}
		resource.CompressionMethods = append(resource.CompressionMethods, string(field[:length]))
	}
	if signatureCount > 0 {
		resource.BlockSignatures = make([]Hash, signatureCount)
		for index := range resource.BlockSignatures {
			copy(resource.BlockSignatures[index][:], take(32))
		}
	}
	if directorySize > 0 {
		resource.DirectoryIndex = append([]byte(nil), take(directorySize)...)
	}
	resource.Metas = make([]EntryMeta, count)
	for index := range resource.Metas {
		field := take(entryMetaSize)
		copy(resource.Metas[index].Hash[:], field[:32])
		resource.Metas[index].Flags = MetaFlags(field[32])
	}
	return resource, nil
}

// ReadFile reads the TOC at path.
func ReadFile(path string) (*Resource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening toc: %w", err)
	}
	defer file.Close()
	resource, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resource, nil
}

func appendUint40(data []byte, value uint64) []byte {
	return append(data, byte(value), byte(value>>8), byte(value>>16), byte(value>>24), byte(value>>32))
}

func appendUint24(data []byte, value uint32) []byte {
	return append(data, byte(value), byte(value>>8), byte(value>>16))
}

func readUint40(field []byte) uint64 {
	return uint64(field[0]) | uint64(field[1])<<8 | uint64(field[2])<<16 | uint64(field[3])<<24 | uint64(field[4])<<32
}

func readUint24(field []byte) uint32 {
	return uint32(field[0]) | uint32(field[1])<<8 | uint32(field[2])<<16
}
