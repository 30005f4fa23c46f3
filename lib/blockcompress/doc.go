// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockcompress is the registry of block compressors a
// container can use. Every method encodes one compression block into a
// caller-supplied buffer (the writer's pooled compression buffers) and
// decodes it back into a buffer of the block's exact uncompressed size.
//
// The writer decides per block whether compression is kept via
// [WorthIt]; blocks that do not save enough are stored as [None].
package blockcompress
