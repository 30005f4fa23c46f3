// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret from a file, or from stdin when path is
// "-". The secret is the first line that is neither blank nor a '#'
// comment, so identity files written by age-keygen load unchanged.
// Every heap copy of the input is zeroed before return.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	defer Zero(data)

	line := firstSecretLine(data)
	if len(line) == 0 {
		return nil, fmt.Errorf("no secret in %s", path)
	}
	return NewFromBytes(line)
}

// firstSecretLine returns a subslice of data.
func firstSecretLine(data []byte) []byte {
	for len(data) > 0 {
		var line []byte
		if index := bytes.IndexByte(data, '\n'); index >= 0 {
			line, data = data[:index], data[index+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return line
	}
	return nil
}
