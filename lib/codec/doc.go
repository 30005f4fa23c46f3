// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by every
// package that persists structured records: content cache payloads,
// reference database block descriptors, container directory indexes,
// and the CLI's binary result output.
//
// Encoding is Core Deterministic (sorted map keys, smallest integer
// encoding, no indefinite-length items), so a byte-identical rebuild
// of a container also produces byte-identical records. Decoding is
// strict: duplicate keys, indefinite lengths, and unknown fields are
// rejected, because records read back from a shared cache must be
// validated rather than trusted.
//
// Types use `cbor` struct tags when they are only ever CBOR, and
// `json` tags when they also appear in CLI JSON output (fxamacker/cbor
// falls back to `json` tags when `cbor` tags are absent).
package codec
