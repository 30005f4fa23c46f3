// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package toc defines the table of contents of a chunk container: the
// compact index that maps a [ChunkID] to its location in the
// container's partition files.
//
// A container is a pair of artifacts on disk:
//
//   - base.toc: the TOC (this package's binary format).
//   - base.cas, base_s1.cas, ...: partition files holding the padded,
//     optionally encrypted compression blocks back-to-back.
//
// Every chunk occupies a range of a logically contiguous uncompressed
// address space ([OffsetLength]). That space is a concatenation of
// chunks, each rounded up to the compression block size, so the
// compression block covering any uncompressed offset is found by a
// single division. Each [CompressedBlock] records where the block's
// bytes live on disk: the partition index is the block offset divided
// by the container's partition size.
//
// Lookup by ChunkID is O(1) on average through a minimal perfect hash
// built at finalize time (see [BuildPerfectHash]). Buckets whose seed
// search fails degrade to a short linear overflow scan; construction
// never fails.
//
// The package is also the read side needed by the writer itself:
// [ReadFile] loads a previous container's TOC for disk layout
// preservation and for indexing into a reference chunk database.
package toc
