// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/chunkpack/lib/secret"
)

// Keypair is an age X25519 keypair. PrivateKey holds the
// AGE-SECRET-KEY-1... string in locked memory.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new X25519 identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// SealKey encrypts a container key to every recipient (age1...
// strings) and returns an ASCII-armored age file.
func SealKey(key *secret.Buffer, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, recipientKey := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(recipientKey)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", recipientKey, err)
		}
		recipients = append(recipients, recipient)
	}

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key.Bytes()); err != nil {
		return nil, fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// OpenKey decrypts an armored age file produced by SealKey. The
// identity is borrowed and not closed. The caller closes the returned
// key.
func OpenKey(sealedKey []byte, identityKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(identityKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(sealedKey)), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting container key: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed container key is empty")
	}
	key, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting container key: %w", err)
	}
	return key, nil
}

// WriteKeyFile seals key to the recipients and writes it to path with
// mode 0600.
func WriteKeyFile(path string, key *secret.Buffer, recipientKeys []string) error {
	sealedKey, err := SealKey(key, recipientKeys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, sealedKey, 0o600); err != nil {
		return fmt.Errorf("writing sealed key: %w", err)
	}
	return nil
}

// ReadKeyFile reads and opens a sealed key file.
func ReadKeyFile(path string, identityKey *secret.Buffer) (*secret.Buffer, error) {
	sealedKey, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed key: %w", err)
	}
	return OpenKey(sealedKey, identityKey)
}

// ParseRecipient validates an age1... public key.
func ParseRecipient(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}
