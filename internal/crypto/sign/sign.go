// Package sign adapts ed25519 and SHA-1 to the call shapes the DHT engine
// expects. Everything here is stateless and safe to call from any goroutine.
package sign

import (
	"crypto/ed25519"
	"crypto/sha1"
)

const (
	SignatureSize = ed25519.SignatureSize
	PublicKeySize = ed25519.PublicKeySize
)

// SHA1 is the engine's hashing callback.
func SHA1(data []byte) [sha1.Size]byte {
	return sha1.Sum(data)
}

// Ed25519Sign writes a detached signature over message into sig.
func Ed25519Sign(sig *[SignatureSize]byte, message, key []byte) {
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(key), message))
}

// Ed25519Verify reports whether sig is a valid detached signature over
// message by the holder of key. Malformed inputs verify as false rather
// than panicking.
func Ed25519Verify(sig, message, key []byte) bool {
	if len(sig) != SignatureSize || len(key) != PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), message, sig)
}
