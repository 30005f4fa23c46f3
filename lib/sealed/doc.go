// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed stores container master keys encrypted to age
// recipients.
//
// `chunkpack keygen` generates a random 32-byte key and writes it with
// [WriteKeyFile] as an ASCII-armored age file. Builds open it with
// [ReadKeyFile] and the operator's identity. Keys and identities stay
// in [secret.Buffer] values throughout.
package sealed
