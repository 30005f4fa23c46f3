// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Chunk content hashes and block
// signatures are this size.
type Hash [32]byte

// domainKey is a 32-byte BLAKE3 key. The byte values are the ASCII
// domain name, zero-padded.
type domainKey [32]byte

var (
	chunkDomainKey = domainKey{
		'c', 'h', 'u', 'n', 'k', 'p', 'a', 'c', 'k', '.', 'c', 'h', 'u', 'n', 'k', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	blockDomainKey = domainKey{
		'c', 'h', 'u', 'n', 'k', 'p', 'a', 'c', 'k', '.', 'b', 'l', 'o', 'c', 'k', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashChunk computes the content hash of uncompressed chunk bytes.
// This is the hash used for change detection, cache keys, and
// reference database matching, so it must never depend on how the
// chunk is encoded.
func HashChunk(data []byte) Hash {
	return keyedHash(chunkDomainKey, data)
}

// SignBlock computes the signature of a block's final on-disk bytes
// (after padding and encryption).
func SignBlock(diskBytes []byte) Hash {
	return keyedHash(blockDomainKey, diskBytes)
}

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return FormatHash(h)
}

// FormatHash returns the hex-encoded string representation of a hash.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing chunk hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("chunk hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("toc: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
