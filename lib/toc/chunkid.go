// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ChunkIDSize is the byte length of a ChunkID.
const ChunkIDSize = 12

// ChunkID identifies a logical chunk. It is assigned by the caller and
// independent of content. Layout: 8-byte little-endian identifier,
// 2-byte little-endian index, 1 reserved byte, 1-byte [ChunkType].
type ChunkID [ChunkIDSize]byte

// NewChunkID builds a ChunkID from its components.
func NewChunkID(id uint64, index uint16, chunkType ChunkType) ChunkID {
	var chunkID ChunkID
	binary.LittleEndian.PutUint64(chunkID[0:8], id)
	binary.LittleEndian.PutUint16(chunkID[8:10], index)
	chunkID[11] = byte(chunkType)
	return chunkID
}

// IsValid reports whether the ID is non-zero. The zero ChunkID is
// reserved as "no chunk".
func (c ChunkID) IsValid() bool {
	return c != ChunkID{}
}

// Type returns the chunk type stored in the last byte.
func (c ChunkID) Type() ChunkType {
	return ChunkType(c[11])
}

// String returns the hex encoding of the ID.
func (c ChunkID) String() string {
	return hex.EncodeToString(c[:])
}

// ParseChunkID parses a 24-character hex string into a ChunkID.
func ParseChunkID(hexString string) (ChunkID, error) {
	var chunkID ChunkID
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return chunkID, fmt.Errorf("parsing chunk id: %w", err)
	}
	if len(decoded) != ChunkIDSize {
		return chunkID, fmt.Errorf("chunk id is %d bytes, want %d", len(decoded), ChunkIDSize)
	}
	copy(chunkID[:], decoded)
	return chunkID, nil
}

// ChunkType classifies chunks for instrumentation. The writer keeps
// per-type counters; the type has no effect on how a chunk is stored.
type ChunkType uint8

const (
	ChunkTypeInvalid ChunkType = iota
	ChunkTypeExportBundleData
	ChunkTypeBulkData
	ChunkTypeOptionalBulkData
	ChunkTypeMemoryMappedBulkData
	ChunkTypeScriptObjects
	ChunkTypeContainerHeader
	ChunkTypeExternalFile
	ChunkTypeShaderCodeLibrary
	ChunkTypeShaderCode
	ChunkTypePackageStoreEntry
	ChunkTypeDerivedData
	ChunkTypeEditorDerivedData
	ChunkTypePackageResource

	// ChunkTypeCount is the number of defined chunk types. Counter
	// arrays are sized by it.
	ChunkTypeCount
)

var chunkTypeNames = [ChunkTypeCount]string{
	ChunkTypeInvalid:              "invalid",
	ChunkTypeExportBundleData:     "export_bundle_data",
	ChunkTypeBulkData:             "bulk_data",
	ChunkTypeOptionalBulkData:     "optional_bulk_data",
	ChunkTypeMemoryMappedBulkData: "memory_mapped_bulk_data",
	ChunkTypeScriptObjects:        "script_objects",
	ChunkTypeContainerHeader:      "container_header",
	ChunkTypeExternalFile:         "external_file",
	ChunkTypeShaderCodeLibrary:    "shader_code_library",
	ChunkTypeShaderCode:           "shader_code",
	ChunkTypePackageStoreEntry:    "package_store_entry",
	ChunkTypeDerivedData:          "derived_data",
	ChunkTypeEditorDerivedData:    "editor_derived_data",
	ChunkTypePackageResource:      "package_resource",
}

// String returns the snake_case name of the type, or "unknown(N)" for
// out-of-range values.
func (t ChunkType) String() string {
	if t < ChunkTypeCount {
		return chunkTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseChunkType converts a name produced by String back to a ChunkType.
func ParseChunkType(name string) (ChunkType, error) {
	for index, candidate := range chunkTypeNames {
		if candidate == name {
			return ChunkType(index), nil
		}
	}
	return ChunkTypeInvalid, fmt.Errorf("unknown chunk type %q", name)
}

// Index returns the counter slot for the type. Out-of-range types share
// the invalid slot so that counters never index out of bounds.
func (t ChunkType) Index() int {
	if t < ChunkTypeCount {
		return int(t)
	}
	return int(ChunkTypeInvalid)
}
