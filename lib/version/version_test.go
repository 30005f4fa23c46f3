// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

func TestCurrentUsesLinkerValues(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	defer func() { GitCommit, GitDirty = savedCommit, savedDirty }()

	GitCommit = "abc1234"
	GitDirty = "true"
	info := Current()
	if info.Commit != "abc1234" || !info.Dirty {
		t.Errorf("Current() = %+v, want linker commit and dirty flag", info)
	}
	if !strings.Contains(info.String(), "abc1234-dirty") {
		t.Errorf("String() = %q, want dirty marker", info.String())
	}
}

func TestCurrentPlatform(t *testing.T) {
	info := Current()
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.FormatVersion != toc.FormatVersion {
		t.Errorf("FormatVersion = %d, want %d", info.FormatVersion, toc.FormatVersion)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
}
