// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes BLAKE3 digests of whole files.
//
// The packer reports a digest for every partition file it writes, and
// chunkpack inspect recomputes them to verify a container on disk. Two
// builds of the same inputs with the same settings produce the same
// digests, which is how rebuild determinism is checked.
//
//   - [HashFile] streams a file through BLAKE3 with constant memory
//   - [FormatDigest] and [ParseDigest] convert between a [32]byte
//     digest and its hex form
//
// This package has no dependencies on other chunkpack packages.
package binhash
