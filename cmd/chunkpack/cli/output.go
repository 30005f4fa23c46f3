// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/lib/codec"
)

// Output selects how a command writes its result. Embed it in a
// command's flag variables and call AddFlags.
type Output struct {
	CBOR bool

	// Writer defaults to stdout.
	Writer io.Writer
}

// AddFlags registers --cbor.
func (o *Output) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&o.CBOR, "cbor", false, "write the result as CBOR instead of JSON")
}

// Write encodes value as indented JSON, or as CBOR with --cbor.
func (o *Output) Write(value any) error {
	writer := o.Writer
	if writer == nil {
		writer = os.Stdout
	}
	if o.CBOR {
		return codec.NewEncoder(writer).Encode(value)
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
