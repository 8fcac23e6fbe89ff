// Package codec seals and opens message payloads with AES-GCM.
//
// The wire form of a text payload is base64(nonce || ciphertext || tag);
// blob payloads use the same sealing without the base64 wrapper. Decryption
// failures are reported as absence, not errors: callers treat a false result
// as "undecryptable, drop or flag" and must never surface garbled plaintext.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Encrypt seals plaintext with the derived symmetric key and returns the
// base64 wire string.
func Encrypt(plaintext, key []byte) (string, error) {
	sealed, err := EncryptBytes(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 wire string. Returns false on malformed base64,
// truncated input, a wrong key, or tampering.
func Decrypt(s string, key []byte) ([]byte, bool) {
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return DecryptBytes(sealed, key)
}

// EncryptBytes seals a binary payload (image bytes) and returns
// nonce || ciphertext || tag.
func EncryptBytes(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptBytes opens a sealed binary payload.
func DecryptBytes(sealed, key []byte) ([]byte, bool) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, false
	}
	if len(sealed) < aead.NonceSize() {
		return nil, false
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
