package session

import (
	"dht-outpost/internal/netx"
	"dht-outpost/internal/telemetry"
)

// socketAdaptor presents the bound packet network to the engine as a
// netx.PacketSocket. Sends are gated on the enabled flag so a disabled
// engine goes quiet on the wire immediately.
type socketAdaptor struct {
	net     netx.PacketNetwork
	log     telemetry.Logger
	debug   bool
	enabled bool
}

func newSocketAdaptor(n netx.PacketNetwork, log telemetry.Logger, debug bool) *socketAdaptor {
	return &socketAdaptor{net: n, log: log, debug: debug, enabled: true}
}

func (a *socketAdaptor) setEnabled(on bool) { a.enabled = on }

// Send fires a datagram at dest. Delivery is best effort; transport errors
// are only surfaced in debug builds.
func (a *socketAdaptor) Send(dest netx.Endpoint, p []byte) {
	if !a.enabled {
		return
	}
	if err := a.net.WriteTo(dest, p); err != nil && a.debug {
		a.log.Printf("session: send to %s failed: %v", dest, err)
	}
}

// SendToHost rejects the send: everything reaching the socket must already
// be a resolved endpoint. Hitting this path is a programming error, so it
// panics under debug and logs loudly otherwise.
func (a *socketAdaptor) SendToHost(host string, p []byte) {
	if !a.enabled {
		return
	}
	if a.debug {
		panic("session: send to unresolved hostname " + host)
	}
	a.log.Printf("session: dropping send to unresolved hostname %q", host)
}

// BindAddr reports the socket's local endpoint, recomputed from the live
// socket on every call so a rebind is never reported stale.
func (a *socketAdaptor) BindAddr() netx.Endpoint {
	ep, err := netx.ParseEndpoint(string(a.net.LocalAddr()))
	if err != nil {
		return netx.Endpoint{}
	}
	return ep
}
