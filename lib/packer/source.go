// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"context"
	"fmt"
	"os"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// Source supplies the bytes of one chunk on demand. The writer loads a
// source at most twice: once to hash it during Append (skipped when a
// precomputed hash is trusted) and once to compress it during Flush.
// Release is called after each use so sources can drop their buffer.
//
// Prepare and Release are never called concurrently for one source.
type Source interface {
	// Prepare loads the bytes. It runs on a writer goroutine.
	Prepare(ctx context.Context) error

	// Bytes returns the loaded bytes. Valid between Prepare and
	// Release.
	Bytes() []byte

	// Release drops the loaded bytes.
	Release()

	// PrecomputedHash returns a content hash known without reading the
	// bytes, if any.
	PrecomputedHash() (toc.Hash, bool)

	// SizeEstimate is the expected byte count, used for memory
	// budgeting and cache eligibility before the bytes are loaded.
	SizeEstimate() uint64

	// OrderHint sorts chunks within a container when disk layout
	// ordering is enabled. Ties keep Append order.
	OrderHint() uint64
}

// BytesSource is a Source over an in-memory buffer.
type BytesSource struct {
	data      []byte
	orderHint uint64
	hash      toc.Hash
	hasHash   bool
}

// NewBytesSource wraps data. The writer does not modify data; the
// caller must not modify it until Flush returns.
func NewBytesSource(data []byte, orderHint uint64) *BytesSource {
	return &BytesSource{data: data, orderHint: orderHint}
}

// WithPrecomputedHash sets the hash reported by PrecomputedHash.
func (s *BytesSource) WithPrecomputedHash(hash toc.Hash) *BytesSource {
	s.hash = hash
	s.hasHash = true
	return s
}

func (s *BytesSource) Prepare(context.Context) error { return nil }
func (s *BytesSource) Bytes() []byte                 { return s.data }
func (s *BytesSource) Release()                      {}
func (s *BytesSource) SizeEstimate() uint64          { return uint64(len(s.data)) }
func (s *BytesSource) OrderHint() uint64             { return s.orderHint }

func (s *BytesSource) PrecomputedHash() (toc.Hash, bool) {
	return s.hash, s.hasHash
}

// FileSource reads a chunk from a file each time it is prepared.
type FileSource struct {
	path      string
	size      uint64
	orderHint uint64
	data      []byte
}

// NewFileSource stats path for the size estimate. The file is read
// later, by Prepare.
func NewFileSource(path string, orderHint uint64) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("chunk source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("chunk source %s is not a regular file", path)
	}
	return &FileSource{path: path, size: uint64(info.Size()), orderHint: orderHint}, nil
}

// Path returns the file path.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading chunk source: %w", err)
	}
	s.data = data
	return nil
}

func (s *FileSource) Bytes() []byte                     { return s.data }
func (s *FileSource) Release()                          { s.data = nil }
func (s *FileSource) PrecomputedHash() (toc.Hash, bool) { return toc.Hash{}, false }
func (s *FileSource) SizeEstimate() uint64              { return s.size }
func (s *FileSource) OrderHint() uint64                 { return s.orderHint }
