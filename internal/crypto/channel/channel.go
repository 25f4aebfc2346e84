// Package channel seals the contents of synchronized record entries under a
// shared 32-byte key, so only the peers that agreed on the key can read them
// off the overlay.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// RecordKey is the symmetric key shared by peers synchronizing one record list.
type RecordKey [32]byte

var ErrSealedTooShort = errors.New("channel: sealed payload too short")

// NewRandomKey generates a fresh random record key.
func NewRandomKey() (RecordKey, error) {
	var k RecordKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return RecordKey{}, err
	}
	return k, nil
}

// KeyToHex encodes a key as a hex string for sharing out of band.
func KeyToHex(k RecordKey) string {
	return hex.EncodeToString(k[:])
}

// ParseKeyHex parses a hex string into a RecordKey.
func ParseKeyHex(s string) (RecordKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return RecordKey{}, err
	}
	if len(b) != len(RecordKey{}) {
		return RecordKey{}, fmt.Errorf("channel: expected %d-byte key, got %d", len(RecordKey{}), len(b))
	}
	var k RecordKey
	copy(k[:], b)
	return k, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns nonce||ciphertext.
func Seal(key RecordKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func Open(key RecordKey, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
