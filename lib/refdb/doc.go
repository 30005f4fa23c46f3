// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package refdb is a reference chunk database: an index of the chunks
// of previously built containers, used by the packer to copy
// compressed blocks instead of compressing unchanged chunks again.
//
// [Database.IndexContainer] reads a finalized container's TOC and
// records, per chunk, its content hash and the partition, offset, and
// sizes of each block. Block descriptors are stored as a CBOR array in
// a single column, so a lookup is one row read. The database lives in
// SQLite through lib/sqlitepool; it holds no block bytes, which are
// read from the indexed partition files on retrieval.
//
// Matching is by (ContainerID, content hash). Chunk IDs may change
// between builds; the ID recorded at indexing time is the one used to
// decrypt blocks of encrypted containers, so retrieval needs the same
// master key the container was written with ([Config.MasterKey]).
//
// [Database.NotifyAddedToContainer] preloads every record of one
// container so that the writer's inline [Database.ChunkExists] calls
// never touch SQLite.
package refdb
