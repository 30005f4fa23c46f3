// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads chunkpack's YAML configuration.
//
// Configuration is loaded from a single file named by either the
// CHUNKPACK_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no file discovery.
//
// The file has writer, cache, reference_db, metrics, and encryption
// sections, plus optional development, staging, and production
// sections. The section matching [Config].Environment is decoded over
// the base values, so it only needs the keys it changes. Production
// turns on precomputed hash validation unless its section turns it
// off.
//
// Path fields (cache directory, reference database, metrics address,
// key files) expand ${VAR} and ${VAR:-default} after loading.
//
// [Config.WriterSettings] and [Config.DispatchSettings] convert the
// file to packer and contentcache settings; [Config.OpenCache] opens
// the configured cache store.
package config
