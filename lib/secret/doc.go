// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps container keys and age identities out of the
// Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes and unmaps
// it. Constructors: [New], [NewFromBytes] (zeroes the source),
// [Random] (fresh key material), and [ReadFromPath].
package secret
