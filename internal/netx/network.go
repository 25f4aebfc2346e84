package netx

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

type Addr string

// Endpoint is a resolved IPv4 address and port, the address form the DHT
// engine works with. Hostnames never appear here; resolution happens before
// an Endpoint is constructed.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

var ErrNotIPv4 = errors.New("netx: not an IPv4 address")

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// EndpointFromIP builds an Endpoint from a net.IP, rejecting anything that
// is not IPv4.
func EndpointFromIP(ip net.IP, port uint16) (Endpoint, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Endpoint{}, ErrNotIPv4
	}
	var e Endpoint
	copy(e.IP[:], v4)
	e.Port = port
	return e, nil
}

// ParseEndpoint parses "a.b.c.d:port". Hostnames are rejected rather than
// resolved.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netx: bad endpoint %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("netx: bad endpoint %q: %w", s, ErrNotIPv4)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netx: bad port in %q: %w", s, err)
	}
	return EndpointFromIP(ip, uint16(port))
}

// PacketHandler receives one datagram. The buffer belongs to the handler;
// the transport does not reuse it.
type PacketHandler func(buf []byte, from Endpoint)

// PacketNetwork is the generic datagram transport the session binds.
type PacketNetwork interface {
	// Bind binds bindAddr and starts delivering inbound datagrams to h.
	Bind(bindAddr string, h PacketHandler) (Addr, error)
	WriteTo(dest Endpoint, p []byte) error
	LocalAddr() Addr
	Close() error
}

// PacketSocket is the engine-facing send surface over a bound socket.
type PacketSocket interface {
	Send(dest Endpoint, p []byte)
	BindAddr() Endpoint
}
