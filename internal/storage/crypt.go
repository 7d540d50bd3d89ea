// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/nelson-client/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// EncryptedPrefix marks a snapshot file written by a Cipher.
	// Files without it are read as plain JSON.
	EncryptedPrefix = "enc:v1:"

	// KeySize is the AES-256 key size in bytes
	KeySize = 32

	// SaltSize is the size of the key derivation salt in bytes
	SaltSize = 32

	// PBKDF2Iterations follows the OWASP 2023 guidance for PBKDF2-SHA256
	PBKDF2Iterations = 600000
)

var (
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrEmptyPassphrase   = errors.New("encryption passphrase is empty")
)

// =============================================================================
// CIPHER
// =============================================================================

// Cipher encrypts snapshot files with AES-256-GCM.
// SECURITY: The key never leaves memory; only the salt is persisted.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveKey derives an encryption key from a passphrase and salt using PBKDF2-SHA-256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// NewCipher builds a Cipher from a passphrase and salt.
func NewCipher(passphrase string, salt []byte) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// LoadOrCreateSalt reads the salt file, creating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s is %d bytes, want %d", path, len(salt), SaltSize)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := util.AtomicWriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext and returns EncryptedPrefix + base64(nonce || ciphertext || tag).
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, len(EncryptedPrefix)+base64.StdEncoding.EncodedLen(len(sealed)))
	copy(out, EncryptedPrefix)
	base64.StdEncoding.Encode(out[len(EncryptedPrefix):], sealed)
	return out, nil
}

// Open reverses Seal.
func (c *Cipher) Open(data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(string(data[len(EncryptedPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsEncrypted reports whether data was produced by Seal.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(EncryptedPrefix))
}
