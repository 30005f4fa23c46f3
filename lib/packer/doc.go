// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package packer writes chunk containers: a TOC file plus one or more
// partition files holding compressed, optionally encrypted and signed
// blocks.
//
// A [Context] owns the resources shared by every container it writes:
// the block buffer pool, the memory budget, worker limits, the content
// cache dispatchers, and the [Counters] reported by [Context.Progress].
// Containers are created with [Context.CreateContainer] and filled with
// [ContainerWriter.Append]. Append only records the chunk and hashes
// it in the background; all heavy work happens in [Context.Flush]:
//
//  1. The scheduler walks the chunks in final order, waits while the
//     estimated buffer memory of chunks in flight exceeds
//     MaxCompressionBufferMemory, and starts each chunk's data on its
//     way: copied from a [ReferenceChunkDatabase], looked up in the
//     content cache, or loaded from its [Source].
//  2. The compression stage splits chunk bytes into blocks of
//     CompressionBlockSize and compresses them in parallel tasks. A
//     block that does not save MinBytesSaved and MinPercentSaved is
//     stored uncompressed.
//  3. The encryption stage stores fresh results in the cache, pads
//     each block to 16 bytes, encrypts it with the container key, and
//     signs it.
//  4. The write stage places each chunk in a partition, appends its
//     blocks, and records it in the TOC builder.
//
// Stages hand chunks over through FIFO queues, so chunks are written in
// the order the scheduler saw them regardless of which finished
// compressing first. After the write stage drains, every container is
// finalized in parallel: partition files are closed, the perfect hash
// is built, and the TOC is written.
//
// [ContainerWriter.EnableDiskLayoutOrdering] seeds the order from
// previous builds of the container. Unchanged chunks keep their
// partitions and relative order, which keeps binary patches between
// builds small; with ContainerSettings.GenerateDiffPatch only added
// and modified chunks are written.
package packer
