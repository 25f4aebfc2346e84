package dht

import (
	"bytes"
	"errors"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/engine"
)

var (
	ErrBadItem      = errors.New("dht: bad item")
	ErrBadSignature = errors.New("dht: bad signature")
	ErrSeqTooLow    = errors.New("dht: seq too low")
	ErrItemTooLarge = errors.New("dht: item too large")
)

const maxItemValue = 1000

// signPayload is the canonical byte string a mutable item's signature covers.
func signPayload(salt []byte, seq int64, value []byte) []byte {
	d := bencode.Dict{"seq": seq, "v": value}
	if len(salt) > 0 {
		d["salt"] = salt
	}
	enc, _ := bencode.Encode(d)
	return enc
}

// itemStore holds mutable items by target. Owned by the session loop.
type itemStore struct {
	items map[engine.Target]engine.Item
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[engine.Target]engine.Item)}
}

func (s *itemStore) get(t engine.Target) (engine.Item, bool) {
	it, ok := s.items[t]
	return it, ok
}

// put stores it under t, enforcing sequence-number supersession.
func (s *itemStore) put(t engine.Target, it engine.Item) error {
	if old, ok := s.items[t]; ok && it.Seq <= old.Seq {
		return ErrSeqTooLow
	}
	s.items[t] = it
	return nil
}

func (s *itemStore) len() int { return len(s.items) }

// validateItem checks the item's shape, its address, and its signature.
func (d *DHT) validateItem(target engine.Target, it engine.Item) error {
	if len(it.Key) != 32 || len(it.Value) == 0 {
		return ErrBadItem
	}
	if len(it.Value) > maxItemValue {
		return ErrItemTooLarge
	}
	// target must be the hash of key+salt, or the item is stored under a
	// forged address
	want := d.cb.Hash(append(append([]byte(nil), it.Key...), it.Salt...))
	if !bytes.Equal(want[:], target[:]) {
		return ErrBadItem
	}
	if !d.cb.Verify(it.Sig[:], signPayload(it.Salt, it.Seq, it.Value), it.Key) {
		return ErrBadSignature
	}
	return nil
}
