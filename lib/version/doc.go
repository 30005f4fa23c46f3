// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports what chunkpack binary is running and which
// TOC format it writes.
//
// Version, GitCommit, GitDirty, and BuildTime are injected with
// -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/chunkpack/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without them, [Current] falls back to the VCS stamp in the binary's
// embedded build info.
package version
