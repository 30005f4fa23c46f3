// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// containerNamespace scopes name-derived container IDs.
var containerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chunkpack:container"))

// Manifest describes one container build.
type Manifest struct {
	Container string `json:"container"`

	// ContainerID is decimal or 0x-prefixed hex. Empty derives the ID
	// from Container.
	ContainerID string `json:"container_id,omitempty"`

	Flags      []string `json:"flags,omitempty"`
	MountPoint string   `json:"mount_point,omitempty"`
	DiffPatch  bool     `json:"diff_patch,omitempty"`

	Chunks []Chunk `json:"chunks"`

	// dir is the manifest's directory, for resolving chunk paths.
	dir string
}

// Chunk is one manifest entry.
type Chunk struct {
	ID           ChunkRef `json:"id"`
	Path         string   `json:"path"`
	FileName     string   `json:"file_name,omitempty"`
	Order        uint64   `json:"order,omitempty"`
	MemoryMapped bool     `json:"memory_mapped,omitempty"`
	Uncompressed bool     `json:"uncompressed,omitempty"`

	// Hash is an optional precomputed content hash in hex.
	Hash string `json:"hash,omitempty"`
}

// ChunkRef is a chunk ID written either as 24 hex characters or as
// {"id": n, "index": n, "type": "bulk_data"}.
type ChunkRef struct {
	toc.ChunkID
}

func (r *ChunkRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		id, err := toc.ParseChunkID(text)
		if err != nil {
			return err
		}
		r.ChunkID = id
		return nil
	}

	var parts struct {
		ID    uint64 `json:"id"`
		Index uint16 `json:"index"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("chunk id must be a hex string or an object: %w", err)
	}
	chunkType := toc.ChunkTypeInvalid
	if parts.Type != "" {
		var err error
		chunkType, err = toc.ParseChunkType(parts.Type)
		if err != nil {
			return err
		}
	}
	r.ChunkID = toc.NewChunkID(parts.ID, parts.Index, chunkType)
	return nil
}

func (r ChunkRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ChunkID.String())
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the manifest. Relative paths resolve
// against dir.
func Parse(data []byte, dir string) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	var manifest Manifest
	if err := json.Unmarshal(stripped, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	manifest.dir = dir
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadFile reads a manifest from disk.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	manifest, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// Validate reports every problem with the manifest.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Container == "" {
		errs = append(errs, errors.New("container name is required"))
	}
	if _, err := m.ContainerFlags(); err != nil {
		errs = append(errs, err)
	}
	if m.ContainerID != "" {
		if _, err := parseContainerID(m.ContainerID); err != nil {
			errs = append(errs, err)
		}
	}
	for index, chunk := range m.Chunks {
		if !chunk.ID.IsValid() {
			errs = append(errs, fmt.Errorf("chunks[%d]: zero chunk id", index))
		}
		if chunk.Path == "" {
			errs = append(errs, fmt.Errorf("chunks[%d]: path is required", index))
		}
		if chunk.Hash != "" {
			if _, err := toc.ParseHash(chunk.Hash); err != nil {
				errs = append(errs, fmt.Errorf("chunks[%d]: %w", index, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ContainerFlags converts the flag names.
func (m *Manifest) ContainerFlags() (toc.ContainerFlags, error) {
	var flags toc.ContainerFlags
	for _, name := range m.Flags {
		switch strings.ToLower(name) {
		case "compressed":
			flags |= toc.ContainerCompressed
		case "encrypted":
			flags |= toc.ContainerEncrypted
		case "signed":
			flags |= toc.ContainerSigned
		case "indexed":
			flags |= toc.ContainerIndexed
		default:
			return 0, fmt.Errorf("unknown container flag %q", name)
		}
	}
	return flags, nil
}

// ID returns the configured container ID, or one derived from the
// container name.
func (m *Manifest) ID() toc.ContainerID {
	if m.ContainerID != "" {
		if id, err := parseContainerID(m.ContainerID); err == nil {
			return id
		}
	}
	return DeriveContainerID(m.Container)
}

// DeriveContainerID maps a container name to a stable ID: the first
// eight bytes of its name-based UUID.
func DeriveContainerID(name string) toc.ContainerID {
	derived := uuid.NewSHA1(containerNamespace, []byte(name))
	return toc.ContainerID(binary.BigEndian.Uint64(derived[:8]))
}

func parseContainerID(text string) (toc.ContainerID, error) {
	value, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("container_id %q: %w", text, err)
	}
	return toc.ContainerID(value), nil
}

// Path resolves a chunk's path.
func (m *Manifest) Path(chunk Chunk) string {
	if filepath.IsAbs(chunk.Path) || m.dir == "" {
		return chunk.Path
	}
	return filepath.Join(m.dir, chunk.Path)
}

// ContainerSettings returns the packer settings of the container. The
// encryption key is left for the caller.
func (m *Manifest) ContainerSettings() (packer.ContainerSettings, error) {
	flags, err := m.ContainerFlags()
	if err != nil {
		return packer.ContainerSettings{}, err
	}
	return packer.ContainerSettings{
		ContainerID:       m.ID(),
		Flags:             flags,
		GenerateDiffPatch: m.DiffPatch,
		MountPoint:        m.MountPoint,
	}, nil
}

// Source opens a chunk's file as a packer source.
func (m *Manifest) Source(chunk Chunk) (packer.Source, error) {
	if chunk.Hash == "" {
		source, err := packer.NewFileSource(m.Path(chunk), chunk.Order)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	// A precomputed hash needs the bytes up front.
	data, err := os.ReadFile(m.Path(chunk))
	if err != nil {
		return nil, err
	}
	hash, err := toc.ParseHash(chunk.Hash)
	if err != nil {
		return nil, err
	}
	return packer.NewBytesSource(data, chunk.Order).WithPrecomputedHash(hash), nil
}

// WriteOptions returns the chunk's packer options.
func (c Chunk) WriteOptions() packer.WriteOptions {
	return packer.WriteOptions{
		FileName:          c.FileName,
		ForceUncompressed: c.Uncompressed,
		MemoryMapped:      c.MemoryMapped,
	}
}
