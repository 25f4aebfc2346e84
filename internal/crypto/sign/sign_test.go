package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte("mutable record payload")
	var sig [SignatureSize]byte
	Ed25519Sign(&sig, msg, priv)

	if !Ed25519Verify(sig[:], msg, pub) {
		t.Fatalf("valid signature rejected")
	}

	sig[0] ^= 0x01
	if Ed25519Verify(sig[:], msg, pub) {
		t.Fatalf("tampered signature accepted")
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("m")
	var sig [SignatureSize]byte
	Ed25519Sign(&sig, msg, priv)

	if Ed25519Verify(sig[:10], msg, pub) {
		t.Fatalf("short signature accepted")
	}
	if Ed25519Verify(sig[:], msg, pub[:16]) {
		t.Fatalf("short key accepted")
	}
}

func TestSHA1(t *testing.T) {
	a := SHA1([]byte("abc"))
	b := SHA1([]byte("abc"))
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	if a == SHA1([]byte("abd")) {
		t.Fatalf("distinct inputs collided")
	}
}
