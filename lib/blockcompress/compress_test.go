// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcompress

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
)

func compressibleBlock(size int) []byte {
	line := "chunk container block compression test line with repeated words\n"
	return []byte(strings.Repeat(line, size/len(line)+1))[:size]
}

func randomBlock(size int) []byte {
	random := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, size)
	for index := range data {
		data[index] = byte(random.Uint32())
	}
	return data
}

func TestMethodNames(t *testing.T) {
	for method := None; method < methodCount; method++ {
		parsed, err := ParseMethod(method.String())
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", method.String(), err)
		}
		if parsed != method {
			t.Errorf("ParseMethod(%q) = %d, want %d", method.String(), parsed, method)
		}
		if CacheSuffix(method) == "" {
			t.Errorf("CacheSuffix(%s) is empty", method)
		}
	}
	if _, err := ParseMethod("brotli"); err == nil {
		t.Error("ParseMethod accepted an unknown name")
	}
}

func TestCompressDecompressRoundtrip(t *testing.T) {
	sizes := []int{1, 17, 4096, 64 << 10}
	for method := None; method < methodCount; method++ {
		for _, size := range sizes {
			source := compressibleBlock(size)
			buffer := make([]byte, CompressBound(method, size))

			written, err := Compress(method, buffer, source)
			if errors.Is(err, ErrIncompressible) {
				continue
			}
			if err != nil {
				t.Fatalf("%s/%d: Compress: %v", method, size, err)
			}

			decoded := make([]byte, size)
			if err := Decompress(method, decoded, buffer[:written]); err != nil {
				t.Fatalf("%s/%d: Decompress: %v", method, size, err)
			}
			if !bytes.Equal(decoded, source) {
				t.Errorf("%s/%d: roundtrip mismatch", method, size)
			}
		}
	}
}

func TestCompressShrinksText(t *testing.T) {
	source := compressibleBlock(64 << 10)
	for _, method := range []Method{LZ4, Zstd, S2} {
		buffer := make([]byte, CompressBound(method, len(source)))
		written, err := Compress(method, buffer, source)
		if err != nil {
			t.Fatalf("%s: Compress: %v", method, err)
		}
		if !WorthIt(len(source), written, 1024, 5) {
			t.Errorf("%s: %d -> %d bytes not worth keeping", method, len(source), written)
		}
	}
}

func TestRandomDataNotWorthIt(t *testing.T) {
	source := randomBlock(10000)
	for _, method := range []Method{LZ4, Zstd, S2} {
		buffer := make([]byte, CompressBound(method, len(source)))
		written, err := Compress(method, buffer, source)
		if err != nil && !errors.Is(err, ErrIncompressible) {
			t.Fatalf("%s: Compress: %v", method, err)
		}
		if err == nil && WorthIt(len(source), written, 1024, 5) {
			t.Errorf("%s: random data compressed %d -> %d and was accepted", method, len(source), written)
		}
	}
}

func TestWorthIt(t *testing.T) {
	cases := []struct {
		name                     string
		uncompressed, compressed int
		minBytes, minPercent     int
		want                     bool
	}{
		{"grew", 100, 120, 0, 0, false},
		{"same size", 100, 100, 0, 0, false},
		{"empty output", 100, 0, 0, 0, false},
		{"no thresholds", 100, 99, 0, 0, true},
		{"below byte threshold", 10000, 9500, 1024, 0, false},
		{"meets byte threshold", 10000, 8976, 1024, 0, true},
		{"below percent threshold", 100000, 97000, 1024, 5, false},
		{"meets both", 100000, 95000, 1024, 5, true},
		{"one byte chunk", 1, 1, 1024, 5, false},
	}
	for _, test := range cases {
		got := WorthIt(test.uncompressed, test.compressed, test.minBytes, test.minPercent)
		if got != test.want {
			t.Errorf("%s: WorthIt = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestCompressShortBuffer(t *testing.T) {
	source := randomBlock(4096)
	buffer := make([]byte, 16)
	for _, method := range []Method{None, Zstd, S2} {
		if _, err := Compress(method, buffer, source); !errors.Is(err, ErrIncompressible) {
			t.Errorf("%s: Compress into short buffer = %v, want ErrIncompressible", method, err)
		}
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	source := compressibleBlock(1000)
	buffer := make([]byte, CompressBound(Zstd, len(source)))
	written, err := Compress(Zstd, buffer, source)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if err := Decompress(Zstd, make([]byte, 999), buffer[:written]); err == nil {
		t.Error("Decompress accepted a wrong destination size")
	}
	if err := Decompress(None, make([]byte, 3), []byte{1, 2}); err == nil {
		t.Error("Decompress(None) accepted a size mismatch")
	}
}

func TestBG4TransposeRoundtrip(t *testing.T) {
	for _, size := range []int{0, 3, 4, 9, 1024} {
		data := randomBlock(size)
		if got := bg4Untranspose(bg4Transpose(data)); !bytes.Equal(got, data) {
			t.Errorf("size %d: transpose roundtrip mismatch", size)
		}
	}
}

func BenchmarkCompressLZ4(b *testing.B) {
	source := compressibleBlock(64 << 10)
	buffer := make([]byte, CompressBound(LZ4, len(source)))
	b.SetBytes(int64(len(source)))
	for b.Loop() {
		if _, err := Compress(LZ4, buffer, source); err != nil {
			b.Fatal(err)
		}
	}
}
