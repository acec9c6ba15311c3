// Package securebox provides authenticated encryption for credential blobs
// and the on-disk master key.
//
// Blob format is nonce_hex:tag_hex:ciphertext_hex — AES-256-GCM with a
// fresh random 128-bit nonce per write and a 128-bit auth tag. Tampering
// with any component fails the decrypt with a crypto error.
package securebox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// nonceSize is the GCM nonce length in bytes (128-bit, per the blob format).
const nonceSize = 16

// tagSize is the GCM auth tag length in bytes.
const tagSize = 16

// Box seals and opens credential payloads with a process-wide key.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, trust.Errorf(trust.KindCrypto, "securebox.new", "key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trust.E(trust.KindCrypto, "securebox.new", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, trust.E(trust.KindCrypto, "securebox.new", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns the nonce:tag:ciphertext hex blob.
func (b *Box) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", trust.E(trust.KindCrypto, "securebox.seal", err)
	}

	// Seal appends the tag to the ciphertext; the blob format stores it
	// as a separate component.
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Open decrypts a nonce:tag:ciphertext hex blob. Any malformed component or
// failed authentication yields a crypto error.
func (b *Box) Open(blob string) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, trust.Errorf(trust.KindCrypto, "securebox.open", "malformed blob: want 3 components, got %d", len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, trust.Errorf(trust.KindCrypto, "securebox.open", "malformed nonce")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, trust.Errorf(trust.KindCrypto, "securebox.open", "malformed tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, trust.Errorf(trust.KindCrypto, "securebox.open", "malformed ciphertext")
	}

	plaintext, err := b.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, trust.E(trust.KindCrypto, "securebox.open", err)
	}
	return plaintext, nil
}

// LoadOrCreateKey reads the master key from path, creating a fresh random
// key with owner-read-only permissions on first launch. The file holds the
// raw key hex-encoded.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != KeySize {
			return nil, trust.Errorf(trust.KindCrypto, "securebox.loadkey", "key file %s is not %d hex-encoded bytes", path, KeySize)
		}
		if info, statErr := os.Stat(path); statErr == nil {
			if info.Mode().Perm()&0o077 != 0 {
				return nil, trust.Errorf(trust.KindConfig, "securebox.loadkey", "key file %s must be owner-read-only (mode 0600), got %04o", path, info.Mode().Perm())
			}
		}
		return key, nil

	case errors.Is(err, fs.ErrNotExist):
		return createKey(path)

	default:
		return nil, trust.E(trust.KindConfig, "securebox.loadkey", err)
	}
}

// createKey generates and persists a fresh key with 0600 permissions.
func createKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, trust.E(trust.KindCrypto, "securebox.createkey", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, trust.E(trust.KindConfig, "securebox.createkey", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, trust.E(trust.KindConfig, "securebox.createkey", fmt.Errorf("write key file: %w", err))
	}
	return key, nil
}
