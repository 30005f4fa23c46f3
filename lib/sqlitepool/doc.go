// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the
// reference chunk database.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies a fixed
// set of pragmas to every connection. Callers [Pool.Take] a
// connection, run SQL with sqlitex.Execute, and [Pool.Put] it back, or
// use [Pool.WithConn] for the same pairing.
//
// # Pragmas
//
// Read-write connections (used when indexing containers into the
// database):
//
//   - journal_mode=WAL, so indexing one container does not block
//     builds reading the same database.
//   - synchronous=NORMAL. The database is derived from container files
//     and can be rebuilt; an OS crash losing the last transaction is
//     acceptable.
//   - busy_timeout=5000.
//   - foreign_keys=ON. Chunk and block rows cascade with their
//     container.
//   - cache_size=-16384 and mmap_size of 1 GiB. Lookups fetch whole
//     compressed blocks, which are large sequential reads.
//   - temp_store=MEMORY.
//
// Read-only connections ([Config.ReadOnly]) are opened with
// SQLITE_OPEN_READONLY and get only busy_timeout, the cache and mmap
// sizes, and query_only=ON.
package sqlitepool
