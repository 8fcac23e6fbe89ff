// Package keyring owns per-user X25519 key agreement material.
//
// Private keys live as 0600 files inside the session key directory and are
// generated exactly once per user: a key that cannot be read back would make
// every prior ciphertext undecryptable, so storage failures are surfaced as
// StorageError instead of silently falling back to an ephemeral key.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// derivation salt shared by both ends of every conversation.
var keySalt = []byte("ChatAppSalt")

// SharedKeySize is the HKDF output length used for AES-256-GCM.
const SharedKeySize = 32

// StorageError reports that secure key storage could not be read or written.
// Messaging is unusable for the affected user until it is resolved.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("key storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KeyPair holds one user's key agreement material. The private key never
// leaves the device; the public key is published to the directory.
type KeyPair struct {
	UserID  string
	Private [32]byte
	Public  [32]byte
}

// PublicKeyString returns the base64 form published to the key directory.
func (kp *KeyPair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(kp.Public[:])
}

// Keyring reads and writes private keys under a session-owned directory.
type Keyring struct {
	dir string
}

// New creates a keyring rooted at dir.
func New(dir string) *Keyring {
	return &Keyring{dir: dir}
}

func (k *Keyring) keyPath(userID string) string {
	// File name derived from the user ID hash so arbitrary IDs cannot
	// escape the key directory.
	sum := sha256.Sum256([]byte(userID))
	return filepath.Join(k.dir, fmt.Sprintf("key_%x", sum[:8]))
}

// GetOrCreateKeyPair reads the stored private key for userID, generating and
// persisting a fresh one if absent.
func (k *Keyring) GetOrCreateKeyPair(userID string) (*KeyPair, error) {
	path := k.keyPath(userID)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != 32 {
			return nil, &StorageError{Op: "read", Err: fmt.Errorf("stored key is %d bytes, want 32", len(data))}
		}
		kp := &KeyPair{UserID: userID}
		copy(kp.Private[:], data)
		pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, &StorageError{Op: "read", Err: err}
		}
		copy(kp.Public[:], pub)
		return kp, nil
	case errors.Is(err, os.ErrNotExist):
		// Fall through to generation.
	default:
		return nil, &StorageError{Op: "read", Err: err}
	}

	kp, err := generate(userID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(k.dir, 0700); err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}
	if err := os.WriteFile(path, kp.Private[:], 0600); err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}
	return kp, nil
}

// DeletePrivateKey removes the stored key for userID. Missing keys are not
// an error: account deletion may run after a partial wipe.
func (k *Keyring) DeletePrivateKey(userID string) error {
	err := os.Remove(k.keyPath(userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

func generate(userID string) (*KeyPair, error) {
	kp := &KeyPair{UserID: userID}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, &StorageError{Op: "generate", Err: err}
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, &StorageError{Op: "generate", Err: err}
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSharedKey computes the symmetric key for (own private, peer public).
// Both sides of a conversation derive the identical key. Returns false on a
// malformed peer key; the result is never persisted.
func DeriveSharedKey(private [32]byte, peerPublicB64 string) ([]byte, bool) {
	peer, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil || len(peer) != 32 {
		return nil, false
	}

	secret, err := curve25519.X25519(private[:], peer)
	if err != nil {
		return nil, false
	}

	key := make([]byte, SharedKeySize)
	r := hkdf.New(sha256.New, secret, keySalt, nil)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, false
	}
	return key, true
}
