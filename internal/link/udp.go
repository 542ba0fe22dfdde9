package link

import (
	"fmt"
	"net"
	"sync"
)

// UDPConn is a Conn over a UDP socket. With a remote address it only talks
// to that peer; without one it adopts the source of the first datagram it
// receives and ignores every other source after that.
type UDPConn struct {
	pc *net.UDPConn

	mu   sync.RWMutex
	peer *net.UDPAddr
}

// ListenUDP binds local; remote may be empty for a waiting peer.
func ListenUDP(local, remote string) (*UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("link: local address: %w", err)
	}
	var raddr *net.UDPAddr
	if remote != "" {
		raddr, err = net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, fmt.Errorf("link: remote address: %w", err)
		}
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{pc: pc, peer: raddr}, nil
}

func (c *UDPConn) Read(p []byte) (int, error) {
	for {
		n, from, err := c.pc.ReadFromUDP(p)
		if err != nil {
			return 0, err
		}
		c.mu.Lock()
		if c.peer == nil {
			c.peer = from
		}
		ok := c.peer.IP.Equal(from.IP) && c.peer.Port == from.Port
		c.mu.Unlock()
		if ok {
			return n, nil
		}
	}
}

// Write sends to the peer; before a peer is known the datagram is dropped.
func (c *UDPConn) Write(p []byte) (int, error) {
	c.mu.RLock()
	peer := c.peer
	c.mu.RUnlock()
	if peer == nil {
		return len(p), nil
	}
	return c.pc.WriteToUDP(p, peer)
}

func (c *UDPConn) Close() error { return c.pc.Close() }

// LocalAddr is the bound address.
func (c *UDPConn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Peer is the current peer address, nil until known.
func (c *UDPConn) Peer() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil {
		return nil
	}
	return c.peer
}
