// Package discovery finds DHT nodes on the local network. Nodes run a
// responder that answers broadcast pings with the UDP port their DHT
// socket is bound to; discovered endpoints feed the bootstrap process.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"dht-outpost/internal/netx"
)

// Config controls LAN discovery behavior.
type Config struct {
	Port    int
	Timeout time.Duration
}

const (
	DefaultPort    = 42042
	DefaultTimeout = 1 * time.Second
)

func DefaultConfig() Config {
	return Config{Port: DefaultPort, Timeout: DefaultTimeout}
}

// beacon is the discovery message format.
type beacon struct {
	Type string `json:"type"` // "ping" or "pong"
	Port uint16 `json:"port"` // the responder's DHT UDP port
}

// StartResponder listens for LAN discovery pings and replies with a pong
// carrying dhtPort. It runs until stop is closed.
func StartResponder(stop <-chan struct{}, cfg Config, dhtPort uint16) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if network == "udp4" || network == "udp" {
				ctrlErr = c.Control(func(fd uintptr) {
					// Allow multiple nodes on one host to share the port.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
					// SO_REUSEPORT is not available everywhere; fine if it fails.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("lan responder listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("lan responder: not a UDPConn")
	}

	go func() {
		defer udpConn.Close()

		buf := make([]byte, 1024)
		for {
			select {
			case <-stop:
				return
			default:
			}

			_ = udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				continue
			}

			var msg beacon
			if err := json.Unmarshal(buf[:n], &msg); err != nil {
				continue
			}
			if msg.Type != "ping" {
				continue
			}

			data, _ := json.Marshal(beacon{Type: "pong", Port: dhtPort})
			_, _ = udpConn.WriteToUDP(data, addr)
		}
	}()

	return nil
}

// Discover broadcasts a ping on the LAN and returns the DHT endpoints of
// nodes that respond within cfg.Timeout. Pongs announcing selfPort are
// skipped so a node does not bootstrap off itself; pass 0 to keep
// everything.
func Discover(cfg Config, selfPort uint16) ([]netx.Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("lan discover listen: %w", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(beacon{Type: "ping"})

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		// fall back to limited broadcast
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	for _, dst := range targets {
		_, _ = conn.WriteToUDP(data, dst)
	}
	// Loopback catches other nodes on this host.
	_, _ = conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})

	if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return nil, fmt.Errorf("lan discover set deadline: %w", err)
	}

	seen := make(map[netx.Endpoint]struct{})
	out := make([]netx.Endpoint, 0, 4)
	buf := make([]byte, 1024)

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}

		var msg beacon
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.Type != "pong" || msg.Port == 0 || msg.Port == selfPort {
			continue
		}
		ep, err := netx.EndpointFromIP(from.IP, msg.Port)
		if err != nil {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}

	return out, nil
}

func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) != 4 {
				continue
			}
			// broadcast = ip | ^mask
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}
