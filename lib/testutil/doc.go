// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireClosed], and [RequireNotClosed] wrap the
// select-with-timeout pattern so that tests waiting on pipeline
// barriers or dispatcher callbacks never hang.
//
// [CompressibleBytes] and [RandomBytes] generate deterministic chunk
// payloads: the first compresses well, the second not at all. Tests
// that check which blocks end up compressed rely on that contrast.
//
// All helpers call t.Fatalf on failure rather than returning errors.
// This package has no internal dependencies.
package testutil
