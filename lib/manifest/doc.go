// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses container build manifests.
//
// A manifest is JSON extended with // line comments, /* block
// comments */, and trailing commas. It names the container, its flags,
// and every chunk with the file holding its bytes:
//
//	{
//	  "container": "game",
//	  "flags": ["compressed", "indexed"],
//	  "chunks": [
//	    // Chunk IDs are 24 hex characters or an object.
//	    {"id": "010000000000000000000042", "path": "data/a.bin"},
//	    {"id": {"id": 2, "type": "bulk_data"}, "path": "data/b.bin",
//	     "file_name": "Content/b.bin", "memory_mapped": true},
//	  ],
//	}
//
// Relative chunk paths resolve against the manifest's directory. A
// container without container_id gets one derived from its name, so
// rebuilds of the same container match in the reference database.
package manifest
