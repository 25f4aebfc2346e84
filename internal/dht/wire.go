package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/engine"
)

// Wire messages are bencoded dictionaries:
//
//	t: transaction id
//	y: "q" (query) or "r" (response)
//	q: query name when y == "q" ("ping", "get", "put")
//	a: query arguments / r: response values
//	v: 4-byte client version tag
//
// Every a/r dictionary carries the sender's 20-byte "id".
type message struct {
	TID     []byte
	IsQuery bool
	Query   string
	Body    bencode.Dict // "a" for queries, "r" for responses
	Sender  NodeID
}

var errBadMessage = errors.New("dht: malformed message")

func parseMessage(d bencode.Dict) (*message, error) {
	m := &message{TID: bencode.Bytes(d, "t")}
	if len(m.TID) == 0 {
		return nil, errBadMessage
	}
	switch bencode.String(d, "y") {
	case "q":
		m.IsQuery = true
		m.Query = bencode.String(d, "q")
		if m.Query == "" {
			return nil, errBadMessage
		}
		body, ok := d["a"].(bencode.Dict)
		if !ok {
			return nil, errBadMessage
		}
		m.Body = body
	case "r":
		body, ok := d["r"].(bencode.Dict)
		if !ok {
			return nil, errBadMessage
		}
		m.Body = body
	default:
		return nil, errBadMessage
	}

	id := bencode.Bytes(m.Body, "id")
	if len(id) != NodeIDBytes {
		return nil, errBadMessage
	}
	copy(m.Sender[:], id)
	return m, nil
}

func encodeQuery(tid []byte, query string, args bencode.Dict, version [4]byte) []byte {
	enc, _ := bencode.Encode(bencode.Dict{
		"t": tid,
		"y": "q",
		"q": query,
		"a": args,
		"v": version[:],
	})
	return enc
}

func encodeResponse(tid []byte, resp bencode.Dict, version [4]byte) []byte {
	enc, _ := bencode.Encode(bencode.Dict{
		"t": tid,
		"y": "r",
		"r": resp,
		"v": version[:],
	})
	return enc
}

// Compact node encoding: 20-byte id, 4-byte IPv4, 2-byte big-endian port.
const compactNodeLen = NodeIDBytes + 6

func packNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, ni := range nodes {
		out = append(out, ni.ID[:]...)
		out = append(out, ni.Endpoint.IP[:]...)
		out = binary.BigEndian.AppendUint16(out, ni.Endpoint.Port)
	}
	return out
}

func unpackNodes(buf []byte, now time.Time) []NodeInfo {
	if len(buf)%compactNodeLen != 0 {
		return nil
	}
	out := make([]NodeInfo, 0, len(buf)/compactNodeLen)
	for off := 0; off+compactNodeLen <= len(buf); off += compactNodeLen {
		var ni NodeInfo
		copy(ni.ID[:], buf[off:off+NodeIDBytes])
		copy(ni.Endpoint.IP[:], buf[off+NodeIDBytes:off+NodeIDBytes+4])
		ni.Endpoint.Port = binary.BigEndian.Uint16(buf[off+NodeIDBytes+4 : off+compactNodeLen])
		ni.LastSeen = now
		if ni.Endpoint.Port == 0 {
			continue
		}
		out = append(out, ni)
	}
	return out
}

func packItem(it engine.Item) bencode.Dict {
	d := bencode.Dict{
		"k":   it.Key,
		"seq": it.Seq,
		"sig": it.Sig[:],
		"v":   it.Value,
	}
	if len(it.Salt) > 0 {
		d["salt"] = it.Salt
	}
	return d
}

func unpackItem(d bencode.Dict) (engine.Item, error) {
	it := engine.Item{
		Key:   bencode.Bytes(d, "k"),
		Salt:  bencode.Bytes(d, "salt"),
		Seq:   bencode.Int(d, "seq"),
		Value: bencode.Bytes(d, "v"),
	}
	sig := bencode.Bytes(d, "sig")
	if len(sig) != len(it.Sig) {
		return engine.Item{}, fmt.Errorf("%w: bad signature length", errBadMessage)
	}
	copy(it.Sig[:], sig)
	return it, nil
}
