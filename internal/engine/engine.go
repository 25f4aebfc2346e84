// Package engine holds the vocabulary shared between the session runtime and
// the DHT engine implementation: record types, completion callback shapes,
// and the callback bundle the session injects at engine construction.
package engine

import (
	"crypto/ed25519"
	"crypto/sha1"

	"dht-outpost/internal/crypto/channel"
)

// Target is the 20-byte overlay address of a stored item.
type Target [sha1.Size]byte

// Entry is one element of a synchronized record list.
type Entry struct {
	ID       int64
	Seq      int64
	Contents []byte
}

// Item is a signed mutable item as stored on the overlay.
type Item struct {
	Key   []byte // ed25519 public key
	Salt  []byte
	Seq   int64
	Sig   [ed25519.SignatureSize]byte
	Value []byte
}

// ListToken authorizes writes to one record list. Both peers holding the
// shared record key derive the same token, so either may update the list.
type ListToken struct {
	Target Target
	Key    []byte // ed25519 public key
	Secret []byte // ed25519 private key
	Seq    int64
}

// DeriveListToken derives the write token for the list addressed by the
// shared record key. The signing keypair is derived deterministically from
// the key so every holder can update the list.
func DeriveListToken(key channel.RecordKey) ListToken {
	priv := ed25519.NewKeyFromSeed(key[:])
	pub := priv.Public().(ed25519.PublicKey)
	return ListToken{
		Target: Target(sha1.Sum(pub)),
		Key:    append([]byte(nil), pub...),
		Secret: append([]byte(nil), priv...),
	}
}

// Completion callbacks. All of them are invoked on the session loop.
type (
	// EntryUpdated fires once per entry changed by a synchronize pass.
	EntryUpdated func(e Entry)
	// EntriesFinalized fires with the merged entry list before it is
	// written back to the overlay.
	EntriesFinalized func(entries []Entry)
	// SyncFinished fires when the synchronize pass is over; n is the number
	// of entries in the final list.
	SyncFinished func(n int)
	// PutFinished fires when a put completes; tok carries the advanced
	// sequence number for the next put.
	PutFinished func(tok ListToken)
	// ItemReceived fires with the item found for a get, or ok=false when
	// the lookup came up empty.
	ItemReceived func(it Item, ok bool)
)

// Callbacks is everything the session wires into the engine at construction:
// crypto primitives, state persistence, the version tag sent on the wire,
// and the tick ping batch size.
type Callbacks struct {
	Hash   func(data []byte) [sha1.Size]byte
	Sign   func(sig *[ed25519.SignatureSize]byte, message, key []byte)
	Verify func(sig, message, key []byte) bool

	// SaveState persists the engine's serialized state; best-effort.
	SaveState func(buf []byte)
	// LoadState returns previously persisted state, or nil for none.
	LoadState func() []byte

	// Version is the 4-byte client tag + version sent in every message.
	Version [4]byte
	// PingBatch caps how many stale nodes are pinged per tick.
	PingBatch int
}
