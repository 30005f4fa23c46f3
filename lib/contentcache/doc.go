// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package contentcache stores per-chunk compression results so a
// rebuild can skip compressing content it has compressed before.
//
// A [Key] is derived from the chunk's content hash plus every setting
// that affects the compressed bytes (method, block size, buffer size,
// and the keep-if-worth-it thresholds). The value is a [Payload]: the
// chunk's compressed blocks, serialized as deterministic CBOR inside an
// S2 envelope.
//
// Backends implement [Store]. [MemoryStore] keeps values in process;
// [BadgerStore] persists them in a local badger database.
//
// [GetDispatcher] and [PutDispatcher] sit between the writer and the
// store. Requests are queued by the writer's scheduling goroutine and
// sent in batches when the batch fills (item or byte limit), when the
// oldest request has waited long enough, or when the writer forces it.
// In-flight limits bound outstanding work: a forced dispatch blocks
// until enough earlier requests complete, a lazy one is skipped.
package contentcache
