package dht

import (
	"crypto/ed25519"
	"sort"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/crypto/channel"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
)

const lookupFanout = 8

type lookup struct {
	remaining int
	delivered bool
}

func (l *lookup) deliverEmpty(received engine.ItemReceived) {
	if l.remaining == 0 && !l.delivered {
		l.delivered = true
		if received != nil {
			received(engine.Item{}, false)
		}
	}
}

// Get fetches the item stored at target, checking the local store first and
// querying the closest known nodes otherwise. received fires at most once.
func (d *DHT) Get(target engine.Target, received engine.ItemReceived) {
	if it, ok := d.items.get(target); ok {
		if received != nil {
			received(it, true)
		}
		return
	}

	nodes := d.rt.Closest(NodeID(target), lookupFanout)
	if len(nodes) == 0 {
		if received != nil {
			received(engine.Item{}, false)
		}
		return
	}

	l := &lookup{remaining: len(nodes)}
	for _, ni := range nodes {
		d.sendQuery(ni.Endpoint, ni.ID, "get", bencode.Dict{"target": target[:]},
			func(body bencode.Dict, from netx.Endpoint) {
				l.remaining--
				itemDict, ok := body["item"].(bencode.Dict)
				if !ok {
					l.deliverEmpty(received)
					return
				}
				it, err := unpackItem(itemDict)
				if err == nil {
					err = d.validateItem(target, it)
				}
				if err != nil {
					d.log.Printf("dht: ignoring bad item from %s: %v", from, err)
					l.deliverEmpty(received)
					return
				}
				_ = d.items.put(target, it)
				if !l.delivered {
					l.delivered = true
					if received != nil {
						received(it, true)
					}
				}
			},
			func() {
				l.remaining--
				l.deliverEmpty(received)
			})
	}
}

// Put signs contents with the token's key at the next sequence number,
// stores the item locally, and announces it to the closest known nodes.
// done receives the token advanced to the written sequence number.
func (d *DHT) Put(tok engine.ListToken, contents []byte, done engine.PutFinished) {
	seq := tok.Seq + 1

	var sig [ed25519.SignatureSize]byte
	d.cb.Sign(&sig, signPayload(nil, seq, contents), tok.Secret)
	it := engine.Item{Key: tok.Key, Seq: seq, Sig: sig, Value: contents}

	if err := d.validateItem(tok.Target, it); err != nil {
		d.log.Printf("dht: put with unusable token: %v", err)
		return
	}
	if err := d.items.put(tok.Target, it); err != nil {
		// a stale token signs a sequence number the store already holds
		d.log.Printf("dht: put rejected locally: %v", err)
		return
	}

	for _, ni := range d.rt.Closest(NodeID(tok.Target), lookupFanout) {
		d.sendQuery(ni.Endpoint, ni.ID, "put", bencode.Dict{"item": packItem(it)}, nil, nil)
	}

	tok.Seq = seq
	if done != nil {
		done(tok)
	}
}

// Synchronize merges the caller's entries with the list stored on the
// overlay under the shared key, reports changes, and writes the merged list
// back. Entry contents travel sealed under the shared key.
func (d *DHT) Synchronize(key channel.RecordKey, entries []engine.Entry,
	onUpdated engine.EntryUpdated, onFinalized engine.EntriesFinalized, onFinished engine.SyncFinished) {

	tok := engine.DeriveListToken(key)
	local := append([]engine.Entry(nil), entries...)

	d.Get(tok.Target, func(it engine.Item, ok bool) {
		merged := local
		if ok {
			tok.Seq = it.Seq
			remote, err := decodeEntryList(key, it.Value)
			if err != nil {
				d.log.Printf("dht: synchronize: undecodable remote list: %v", err)
			} else {
				merged = mergeEntries(local, remote, onUpdated)
			}
		}

		if onFinalized != nil {
			onFinalized(merged)
		}

		value, err := encodeEntryList(key, merged)
		if err != nil {
			d.log.Printf("dht: synchronize: failed to encode list: %v", err)
			if onFinished != nil {
				onFinished(len(merged))
			}
			return
		}
		d.Put(tok, value, func(engine.ListToken) {
			if onFinished != nil {
				onFinished(len(merged))
			}
		})
	})
}

// mergeEntries overlays remote entries onto local ones; a remote entry wins
// when its ID is new or its Seq is higher. onUpdated fires for each winner.
func mergeEntries(local, remote []engine.Entry, onUpdated engine.EntryUpdated) []engine.Entry {
	byID := make(map[int64]engine.Entry, len(local))
	for _, e := range local {
		byID[e.ID] = e
	}
	for _, r := range remote {
		if cur, ok := byID[r.ID]; ok && r.Seq <= cur.Seq {
			continue
		}
		byID[r.ID] = r
		if onUpdated != nil {
			onUpdated(r)
		}
	}

	out := make([]engine.Entry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func encodeEntryList(key channel.RecordKey, entries []engine.Entry) ([]byte, error) {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		sealed, err := channel.Seal(key, e.Contents)
		if err != nil {
			return nil, err
		}
		list = append(list, bencode.Dict{"i": e.ID, "q": e.Seq, "v": sealed})
	}
	return bencode.Encode(bencode.Dict{"e": list})
}

func decodeEntryList(key channel.RecordKey, value []byte) ([]engine.Entry, error) {
	dict, _, err := bencode.DecodeDict(value)
	if err != nil {
		return nil, err
	}
	var out []engine.Entry
	for _, v := range bencode.List(dict, "e") {
		ed, ok := v.(bencode.Dict)
		if !ok {
			continue
		}
		contents, err := channel.Open(key, bencode.Bytes(ed, "v"))
		if err != nil {
			// sealed under a different key or tampered with; skip
			continue
		}
		out = append(out, engine.Entry{
			ID:       bencode.Int(ed, "i"),
			Seq:      bencode.Int(ed, "q"),
			Contents: contents,
		})
	}
	return out, nil
}
