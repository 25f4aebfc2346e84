package session

import (
	"dht-outpost/internal/crypto/channel"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
)

// Engine is the narrow surface of the DHT engine the session drives. The
// concrete implementation is injected through Config.NewEngine and is only
// ever touched from the session loop.
type Engine interface {
	Enable(on bool, rateLimit int)
	IsEnabled() bool
	Tick()
	HandlePacket(p []byte, from netx.Endpoint)
	AddBootstrapNode(ep netx.Endpoint)

	Synchronize(key channel.RecordKey, entries []engine.Entry,
		onUpdated engine.EntryUpdated, onFinalized engine.EntriesFinalized, onFinished engine.SyncFinished)
	Put(tok engine.ListToken, contents []byte, done engine.PutFinished)
	Get(target engine.Target, received engine.ItemReceived)
}

// Factory constructs an engine over the freshly bound socket with the
// callback bundle the session wires up.
type Factory func(sock netx.PacketSocket, cb engine.Callbacks) Engine
