package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	NodeIDBytes = 20
	idBits      = NodeIDBytes * 8
)

type NodeID [NodeIDBytes]byte

func ParseNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// XOR distance: d = a ^ b
func Xor(a, b NodeID) (out NodeID) {
	for i := 0; i < NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// DistanceLess reports whether a is closer than b in XOR metric terms.
func DistanceLess(a, b NodeID) bool {
	for i := 0; i < NodeIDBytes; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BucketIndex returns [0..159] for 160-bit IDs.
// It's the index of the first differing bit (MSB-first).
// If identical, returns -1.
func BucketIndex(self, other NodeID) int {
	d := Xor(self, other)
	for byteIdx := 0; byteIdx < NodeIDBytes; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}
