// Package cryptox implements the on-disk encryption used by the record
// stores: AES-256-GCM sealed blobs and argon2id key derivation.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
)

const nonceSize = 12

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey derives a 32-byte master key from a passphrase and salt using
// argon2id. The same passphrase and salt always yield the same key.
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return deriveArgon2id(passphrase, salt)
}

// MakeVerifier returns a hash of the master key suitable for verifying a
// passphrase without storing the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// Seal encrypts plaintext with AES-GCM under key and returns a single blob
// laid out as nonce||ciphertext. A fresh random 12-byte nonce is generated
// for every call.
//
// The key must be a valid AES key length (16, 24, or 32 bytes).
func Seal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. It returns an error if the blob is
// truncated, the key is wrong, or the ciphertext was tampered with.
func Open(blob, key []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return aesgcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
}

// SealRecord serializes v to JSON and seals it.
func SealRecord(v any, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return Seal(plaintext, key)
}

// OpenRecord opens a blob produced by SealRecord and unmarshals the
// plaintext into v.
func OpenRecord(blob, key []byte, v any) error {
	plaintext, err := Open(blob, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}
