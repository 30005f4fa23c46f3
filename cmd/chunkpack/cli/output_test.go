// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/chunkpack/lib/codec"
)

type sample struct {
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}

func TestOutputJSON(t *testing.T) {
	var buffer bytes.Buffer
	output := Output{Writer: &buffer}
	if err := output.Write(sample{Name: "game", Chunks: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got sample
	if err := json.Unmarshal(buffer.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buffer.String())
	}
	if got.Name != "game" || got.Chunks != 3 {
		t.Errorf("decoded %+v", got)
	}
}

func TestOutputCBOR(t *testing.T) {
	var buffer bytes.Buffer
	output := Output{CBOR: true, Writer: &buffer}
	if err := output.Write(sample{Name: "game", Chunks: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got sample
	if err := codec.Unmarshal(buffer.Bytes(), &got); err != nil {
		t.Fatalf("output is not CBOR: %v", err)
	}
	if got.Name != "game" || got.Chunks != 3 {
		t.Errorf("decoded %+v", got)
	}
}
