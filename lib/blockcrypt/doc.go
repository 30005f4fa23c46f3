// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockcrypt encrypts container blocks and directory indexes.
//
// A container is encrypted under a 32-byte master key held in a
// [secret.Buffer]. [DeriveContainerKeys] derives two keys per
// container with HKDF-SHA256, one for blocks and one for the directory
// index, bound to the container ID.
//
// Blocks are encrypted in place with ChaCha20 ([ContainerKeys.XORBlock]).
// Disk blocks are already padded to a 16-byte boundary and their size
// is recorded in the TOC, so a length-preserving stream cipher is used;
// integrity comes from the BLAKE3 block signatures in the TOC.
//
// The directory index is small and is sealed with XChaCha20-Poly1305
// ([ContainerKeys.SealIndex]).
//
// Both nonces are derived deterministically from content, so
// rebuilding identical input under the same key produces identical
// files.
package blockcrypt
