package netx

import (
	"net"
	"sync"
)

const maxDatagram = 1500

type udpNetwork struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

func NewUDPNetwork() PacketNetwork {
	return &udpNetwork{}
}

func (u *udpNetwork) Bind(bindAddr string, h PacketHandler) (Addr, error) {
	laddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return "", err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return "", err
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	go u.readLoop(conn, h)

	return Addr(conn.LocalAddr().String()), nil
}

func (u *udpNetwork) readLoop(conn *net.UDPConn, h PacketHandler) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			// closed socket or unrecoverable read error ends the loop
			return
		}
		ep, err := EndpointFromIP(from.IP, uint16(from.Port))
		if err != nil {
			continue
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		h(p, ep)
	}
}

func (u *udpNetwork) WriteTo(dest Endpoint, p []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.WriteToUDP(p, &net.UDPAddr{
		IP:   net.IPv4(dest.IP[0], dest.IP[1], dest.IP[2], dest.IP[3]),
		Port: int(dest.Port),
	})
	return err
}

func (u *udpNetwork) LocalAddr() Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return ""
	}
	return Addr(u.conn.LocalAddr().String())
}

func (u *udpNetwork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		err := u.conn.Close()
		u.conn = nil
		return err
	}
	return nil
}
