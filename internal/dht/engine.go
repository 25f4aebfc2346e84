// Package dht is a compact DHT engine storing signed mutable items in a
// 160-bit XOR overlay. The engine has no locking of its own: the session
// runtime guarantees every method runs on its single loop.
package dht

import (
	"encoding/binary"
	"log"
	"time"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
	"dht-outpost/internal/telemetry"
)

const (
	defaultK         = 8
	defaultPingBatch = 6
	queryTimeout     = 10 * time.Second
	staleAfter       = 15 * time.Minute
	saveStateTicks   = 300 // with a 1s tick, persist every 5 minutes
	maxSavedNodes    = 200
)

type pendingQuery struct {
	query      string
	dest       netx.Endpoint
	node       NodeID // zero when destination's id is unknown
	sentAt     time.Time
	onResponse func(body bencode.Dict, from netx.Endpoint)
	onTimeout  func()
}

type DHT struct {
	sock netx.PacketSocket
	cb   engine.Callbacks
	log  telemetry.Logger
	now  func() time.Time

	id    NodeID
	rt    *RoutingTable
	items *itemStore

	enabled   bool
	rateLimit int
	rate      tokenBucket
	observer  NodeObserver

	pending map[string]*pendingQuery
	nextTID uint16
	ticks   uint64

	// endpoints waiting for their first ping
	bootstrap []netx.Endpoint
}

// NodeObserver is notified about node reachability outcomes so working
// endpoints can be remembered across runs. Implemented by the bolt-backed
// node store; notifications are best-effort.
type NodeObserver interface {
	NoteSuccess(ep netx.Endpoint) error
	NoteFailure(ep netx.Endpoint) error
}

type Option func(*DHT)

func WithNodeObserver(o NodeObserver) Option {
	return func(d *DHT) { d.observer = o }
}

func WithLogger(l telemetry.Logger) Option {
	return func(d *DHT) {
		if l != nil {
			d.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *DHT) { d.now = now }
}

// New builds an engine around the bound socket and the injected callbacks,
// restoring any persisted state via cb.LoadState.
func New(sock netx.PacketSocket, cb engine.Callbacks, opts ...Option) *DHT {
	if cb.PingBatch <= 0 {
		cb.PingBatch = defaultPingBatch
	}
	d := &DHT{
		sock:    sock,
		cb:      cb,
		log:     log.Default(),
		now:     time.Now,
		id:      RandomNodeID(),
		items:   newItemStore(),
		pending: make(map[string]*pendingQuery),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cb.LoadState != nil {
		if raw := cb.LoadState(); raw != nil {
			d.restoreState(raw)
		}
	}
	d.rt = NewRoutingTable(d.id, defaultK)
	return d
}

func (d *DHT) ID() NodeID             { return d.id }
func (d *DHT) Routing() *RoutingTable { return d.rt }
func (d *DHT) StoredItems() int       { return d.items.len() }
func (d *DHT) IsEnabled() bool        { return d.enabled }

// Enable turns packet processing and sends on or off. Disabling persists the
// current state.
func (d *DHT) Enable(on bool, rateLimit int) {
	d.enabled = on
	d.rateLimit = rateLimit
	if !on {
		d.saveState()
	}
}

// AddBootstrapNode queues ep for a ping on an upcoming tick.
func (d *DHT) AddBootstrapNode(ep netx.Endpoint) {
	if ep.IsZero() {
		return
	}
	d.bootstrap = append(d.bootstrap, ep)
}

// Tick runs the engine's periodic housekeeping: pending-query expiry, the
// bounded ping batch, and periodic state persistence.
func (d *DHT) Tick() {
	now := d.now()
	d.ticks++

	for tid, p := range d.pending {
		if now.Sub(p.sentAt) <= queryTimeout {
			continue
		}
		delete(d.pending, tid)
		if p.node != (NodeID{}) {
			d.rt.NoteTimeout(p.node)
		}
		if d.observer != nil {
			_ = d.observer.NoteFailure(p.dest)
		}
		if p.onTimeout != nil {
			p.onTimeout()
		}
	}

	if !d.enabled {
		return
	}

	batch := d.cb.PingBatch
	for len(d.bootstrap) > 0 && batch > 0 {
		ep := d.bootstrap[0]
		d.bootstrap = d.bootstrap[1:]
		d.sendPing(ep, NodeID{})
		batch--
	}
	if batch > 0 {
		for _, ni := range d.rt.Stale(now.Add(-staleAfter), batch) {
			d.sendPing(ni.Endpoint, ni.ID)
		}
	}

	if d.ticks%saveStateTicks == 0 {
		d.saveState()
	}
}

// HandlePacket processes one datagram already sniffed as bencoded by the
// session. Anything that fails to parse as a message is dropped silently.
func (d *DHT) HandlePacket(p []byte, from netx.Endpoint) {
	if !d.enabled {
		return
	}
	dict, _, err := bencode.DecodeDict(p)
	if err != nil {
		return
	}
	m, err := parseMessage(dict)
	if err != nil {
		return
	}

	now := d.now()
	if m.IsQuery {
		d.rt.Upsert(m.Sender, from, now)
		d.handleQuery(m, from)
		return
	}
	d.rt.NoteResponse(m.Sender, from, now)
	d.handleResponse(m, from)
}

func (d *DHT) handleQuery(m *message, from netx.Endpoint) {
	resp := bencode.Dict{"id": d.id[:]}

	switch m.Query {
	case "ping":

	case "get":
		raw := bencode.Bytes(m.Body, "target")
		if len(raw) != NodeIDBytes {
			return
		}
		var target engine.Target
		copy(target[:], raw)
		if it, ok := d.items.get(target); ok {
			resp["item"] = packItem(it)
		}
		resp["nodes"] = packNodes(d.rt.Closest(NodeID(target), defaultK))

	case "put":
		itemDict, ok := m.Body["item"].(bencode.Dict)
		if !ok {
			return
		}
		it, err := unpackItem(itemDict)
		if err != nil {
			return
		}
		target := engine.Target(d.cb.Hash(append(append([]byte(nil), it.Key...), it.Salt...)))
		if err := d.validateItem(target, it); err != nil {
			d.log.Printf("dht: rejected put from %s: %v", from, err)
			return
		}
		if err := d.items.put(target, it); err != nil {
			d.log.Printf("dht: rejected put from %s: %v", from, err)
			return
		}

	default:
		// unknown queries are dropped, not answered
		return
	}

	d.send(from, encodeResponse(m.TID, resp, d.cb.Version))
}

func (d *DHT) handleResponse(m *message, from netx.Endpoint) {
	p, ok := d.pending[string(m.TID)]
	if !ok {
		return
	}
	delete(d.pending, string(m.TID))

	if d.observer != nil {
		_ = d.observer.NoteSuccess(from)
	}

	if nb := bencode.Bytes(m.Body, "nodes"); nb != nil {
		now := d.now()
		for _, ni := range unpackNodes(nb, now) {
			d.rt.Upsert(ni.ID, ni.Endpoint, now)
		}
	}
	if p.onResponse != nil {
		p.onResponse(m.Body, from)
	}
}

func (d *DHT) sendPing(ep netx.Endpoint, id NodeID) {
	d.sendQuery(ep, id, "ping", bencode.Dict{}, nil, nil)
}

func (d *DHT) sendQuery(dest netx.Endpoint, node NodeID, query string, args bencode.Dict,
	onResponse func(bencode.Dict, netx.Endpoint), onTimeout func()) {

	var tid [2]byte
	d.nextTID++
	binary.BigEndian.PutUint16(tid[:], d.nextTID)

	args["id"] = d.id[:]
	d.pending[string(tid[:])] = &pendingQuery{
		query:      query,
		dest:       dest,
		node:       node,
		sentAt:     d.now(),
		onResponse: onResponse,
		onTimeout:  onTimeout,
	}
	d.send(dest, encodeQuery(tid[:], query, args, d.cb.Version))
}

func (d *DHT) send(dest netx.Endpoint, p []byte) {
	if d.rateLimit > 0 {
		rate := float64(d.rateLimit)
		if !d.rate.allow(d.now(), rate, rate, float64(len(p))) {
			return
		}
	}
	d.sock.Send(dest, p)
}

// State blob: {"id": <20 bytes>, "nodes": <compact node endpoints>}.

func (d *DHT) saveState() {
	if d.cb.SaveState == nil {
		return
	}
	nodes := d.rt.All()
	if len(nodes) > maxSavedNodes {
		nodes = nodes[:maxSavedNodes]
	}
	enc, err := bencode.Encode(bencode.Dict{
		"id":    d.id[:],
		"nodes": packNodes(nodes),
	})
	if err != nil {
		d.log.Printf("dht: failed to encode state: %v", err)
		return
	}
	d.cb.SaveState(enc)
}

func (d *DHT) restoreState(raw []byte) {
	dict, _, err := bencode.DecodeDict(raw)
	if err != nil {
		d.log.Printf("dht: failed to parse persisted state: %v", err)
		return
	}
	if id := bencode.Bytes(dict, "id"); len(id) == NodeIDBytes {
		copy(d.id[:], id)
	}
	for _, ni := range unpackNodes(bencode.Bytes(dict, "nodes"), d.now()) {
		d.bootstrap = append(d.bootstrap, ni.Endpoint)
	}
}
