package link

import (
	"sync"
	"sync/atomic"
)

// PipeOptions configure an in-memory datagram pipe.
type PipeOptions struct {
	// Queue bounds datagrams in flight per direction; overflow is lost.
	Queue int
	// Drop, when set, is asked about every datagram; true loses it.
	Drop func(pkt []byte) bool
}

// MemConn is one end of a Pipe.
type MemConn struct {
	rx   chan []byte
	peer *MemConn
	drop func([]byte) bool

	closeOnce sync.Once
	closed    chan struct{}

	sent atomic.Uint64
	lost atomic.Uint64
}

// Pipe returns two connected in-memory Conns.
func Pipe(opts PipeOptions) (*MemConn, *MemConn) {
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	a := &MemConn{rx: make(chan []byte, opts.Queue), drop: opts.Drop, closed: make(chan struct{})}
	b := &MemConn{rx: make(chan []byte, opts.Queue), drop: opts.Drop, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *MemConn) Read(p []byte) (int, error) {
	select {
	case pkt := <-c.rx:
		return copy(p, pkt), nil
	case <-c.closed:
		return 0, ErrClosed
	case <-c.peer.closed:
		return 0, ErrClosed
	}
}

func (c *MemConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	c.sent.Add(1)
	if c.drop != nil && c.drop(p) {
		c.lost.Add(1)
		return len(p), nil
	}
	select {
	case c.peer.rx <- append([]byte(nil), p...):
	default:
		c.lost.Add(1)
	}
	return len(p), nil
}

func (c *MemConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Sent counts datagrams written, lost ones included.
func (c *MemConn) Sent() uint64 { return c.sent.Load() }

// Lost counts datagrams dropped by the pipe.
func (c *MemConn) Lost() uint64 { return c.lost.Load() }
