// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// Set with -ldflags -X. When GitCommit is left unset, the VCS stamp
// the Go toolchain embeds is used instead.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// BuildInfo is the output of chunkpack version.
type BuildInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Dirty         bool   `json:"dirty"`
	BuildTime     string `json:"build_time"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
	FormatVersion int    `json:"toc_format_version"`
}

// Current collects the build information of the running binary.
func Current() BuildInfo {
	info := BuildInfo{
		Version:       Version,
		Commit:        GitCommit,
		Dirty:         GitDirty == "true",
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		FormatVersion: toc.FormatVersion,
	}
	if info.Commit != "unknown" {
		return info
	}
	if embedded, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range embedded.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Commit = setting.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			case "vcs.modified":
				info.Dirty = setting.Value == "true"
			case "vcs.time":
				if info.BuildTime == "unknown" {
					info.BuildTime = setting.Value
				}
			}
		}
	}
	return info
}

// String formats the information on one line.
func (b BuildInfo) String() string {
	dirty := ""
	if b.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s) %s %s toc/v%d",
		b.Version, b.Commit, dirty, b.BuildTime, b.GoVersion, b.Platform, b.FormatVersion)
}
