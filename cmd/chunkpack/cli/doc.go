// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the chunkpack binary.
//
// A [Command] tree dispatches on the first positional argument, parses
// pflag flags per command, and prints structured help. Unknown
// commands and flags get an edit-distance suggestion. Commands receive
// a context canceled on SIGINT/SIGTERM and a logger from
// [NewCommandLogger]. Results are written with [Output], as indented
// JSON or, with --cbor, as deterministic CBOR.
package cli
