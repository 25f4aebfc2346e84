// Package pairing derives the shared record key two peers use for
// synchronize, from a Curve25519 key agreement. Public keys are exchanged
// out of band (QR code, invite link); no handshake traffic crosses the DHT.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flynn/noise"

	"dht-outpost/internal/crypto/channel"
)

// Identity is this peer's pairing keypair.
type Identity struct {
	dh noise.DHKey
}

func NewIdentity() (*Identity, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate keypair: %w", err)
	}
	return &Identity{dh: kp}, nil
}

// Public returns the public half to hand to the peer.
func (i *Identity) Public() []byte {
	return append([]byte(nil), i.dh.Public...)
}

// PublicHex returns the public key in the form used by invite strings.
func (i *Identity) PublicHex() string {
	return hex.EncodeToString(i.dh.Public)
}

// SharedKey derives the symmetric record key shared with the holder of
// peerPub. Both sides derive the same key. The raw DH output is hashed so
// the key is uniformly distributed.
func (i *Identity) SharedKey(peerPub []byte) (channel.RecordKey, error) {
	secret, err := noise.DH25519.DH(i.dh.Private, peerPub)
	if err != nil {
		return channel.RecordKey{}, fmt.Errorf("pairing: dh: %w", err)
	}
	return channel.RecordKey(sha256.Sum256(secret)), nil
}

// SharedKeyHex is SharedKey for a hex-encoded peer public key.
func (i *Identity) SharedKeyHex(peerPubHex string) (channel.RecordKey, error) {
	pub, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return channel.RecordKey{}, fmt.Errorf("pairing: bad peer key: %w", err)
	}
	return i.SharedKey(pub)
}
