// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcrypt

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/chunkpack/lib/secret"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// KeySize is the size of the master key and of every derived key.
const KeySize = 32

// sealedIndexVersion prefixes every sealed directory index and is
// authenticated as AAD.
const sealedIndexVersion byte = 0x01

// SealedOverhead is the size added by SealIndex: version byte, nonce,
// and Poly1305 tag.
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings. Changing one invalidates every container
// encrypted under that derivation path.
var (
	hkdfInfoBlocks = []byte("chunkpack.container.blocks.v1")
	hkdfInfoIndex  = []byte("chunkpack.container.index.v1")
)

var (
	blockNonceDomain = []byte("chunkpack.block.nonce.v1")
	indexNonceDomain = []byte("chunkpack.index.nonce.v1")
)

// ContainerKeys are the keys of one container, derived from a master
// key and the container ID. Close releases them.
type ContainerKeys struct {
	containerID toc.ContainerID
	blockKey    *secret.Buffer
	indexKey    *secret.Buffer
}

// DeriveContainerKeys derives the block and directory-index keys of a
// container. The master key is borrowed and not closed; it must be
// KeySize bytes.
func DeriveContainerKeys(masterKey *secret.Buffer, containerID toc.ContainerID) (*ContainerKeys, error) {
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("container master key must be %d bytes, got %d", KeySize, masterKey.Len())
	}
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], uint64(containerID))

	blockKey, err := deriveKey(masterKey.Bytes(), hkdfInfoBlocks, idBytes[:])
	if err != nil {
		return nil, fmt.Errorf("deriving block key: %w", err)
	}
	indexKey, err := deriveKey(masterKey.Bytes(), hkdfInfoIndex, idBytes[:])
	if err != nil {
		blockKey.Close()
		return nil, fmt.Errorf("deriving index key: %w", err)
	}
	return &ContainerKeys{containerID: containerID, blockKey: blockKey, indexKey: indexKey}, nil
}

// Close zeroes and releases the derived keys. Idempotent.
func (k *ContainerKeys) Close() error {
	blockErr := k.blockKey.Close()
	indexErr := k.indexKey.Close()
	if blockErr != nil {
		return blockErr
	}
	return indexErr
}

// XORBlock encrypts or decrypts one disk block in place with ChaCha20.
// The nonce is derived from the chunk's identity and content hash and
// the block's position, so the same chunk always encrypts to the same
// bytes and rebuilds stay byte-identical. len(data) is preserved.
func (k *ContainerKeys) XORBlock(data []byte, id toc.ChunkID, hash toc.Hash, blockIndex int) error {
	nonce := blockNonce(id, hash, blockIndex)
	cipher, err := chacha20.NewUnauthenticatedCipher(k.blockKey.Bytes(), nonce[:])
	if err != nil {
		return fmt.Errorf("creating ChaCha20 cipher: %w", err)
	}
	cipher.XORKeyStream(data, data)
	return nil
}

// SealIndex encrypts a serialized directory index with
// XChaCha20-Poly1305:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag]
//
// The nonce is a keyed hash of the plaintext, so sealing is
// deterministic. The container ID is authenticated as AAD.
func (k *ContainerKeys) SealIndex(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.indexKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	hasher, err := blake3.NewKeyed(k.indexKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating nonce hasher: %w", err)
	}
	hasher.Write(indexNonceDomain)
	hasher.Write(plaintext)
	nonce := hasher.Sum(nil)[:chacha20poly1305.NonceSizeX]

	output := make([]byte, 1+len(nonce), SealedOverhead+len(plaintext))
	output[0] = sealedIndexVersion
	copy(output[1:], nonce)
	return aead.Seal(output, nonce, plaintext, k.aad(sealedIndexVersion)), nil
}

// OpenIndex reverses SealIndex.
func (k *ContainerKeys) OpenIndex(sealed []byte) ([]byte, error) {
	if len(sealed) < SealedOverhead {
		return nil, fmt.Errorf("sealed index is %d bytes, minimum is %d", len(sealed), SealedOverhead)
	}
	if sealed[0] != sealedIndexVersion {
		return nil, fmt.Errorf("sealed index version %d is not supported (expected %d)", sealed[0], sealedIndexVersion)
	}
	aead, err := chacha20poly1305.NewX(k.indexKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], k.aad(sealed[0]))
	if err != nil {
		return nil, fmt.Errorf("opening sealed index (wrong key or container): %w", err)
	}
	return plaintext, nil
}

func (k *ContainerKeys) aad(version byte) []byte {
	aad := make([]byte, 9)
	aad[0] = version
	binary.LittleEndian.PutUint64(aad[1:], uint64(k.containerID))
	return aad
}

func blockNonce(id toc.ChunkID, hash toc.Hash, blockIndex int) [chacha20.NonceSize]byte {
	hasher := blake3.New()
	hasher.Write(blockNonceDomain)
	hasher.Write(id[:])
	hasher.Write(hash[:])
	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], uint32(blockIndex))
	hasher.Write(index[:])

	var nonce [chacha20.NonceSize]byte
	copy(nonce[:], hasher.Sum(nil))
	return nonce
}

// deriveKey is HKDF-SHA256 with a nil salt. The master key is already
// uniformly random.
func deriveKey(inputKeyMaterial, info, context []byte) (*secret.Buffer, error) {
	fullInfo := make([]byte, 0, len(info)+len(context))
	fullInfo = append(append(fullInfo, info...), context...)
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, fullInfo)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}
