// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// CompressibleBytes returns size bytes of English-like text that every
// block compressor shrinks well below the default savings thresholds.
// The content depends only on size and variant, so two calls with the
// same arguments return identical bytes.
func CompressibleBytes(size int, variant int) []byte {
	var builder strings.Builder
	builder.Grow(size + 128)
	for line := 0; builder.Len() < size; line++ {
		fmt.Fprintf(&builder, "variant %d line %06d: the container writer packs chunks into partitions\n", variant, line)
	}
	return []byte(builder.String()[:size])
}

// RandomBytes returns size pseudo-random bytes from a seeded PCG
// source. Random bytes do not compress, so blocks built from them are
// stored uncompressed.
func RandomBytes(size int, seed uint64) []byte {
	random := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, size)
	for index := 0; index+8 <= size; index += 8 {
		value := random.Uint64()
		for shift := 0; shift < 8; shift++ {
			data[index+shift] = byte(value >> (8 * shift))
		}
	}
	for index := size &^ 7; index < size; index++ {
		data[index] = byte(random.Uint32())
	}
	return data
}
