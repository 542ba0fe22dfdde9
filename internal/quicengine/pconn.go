package quicengine

import (
	"net"
	"os"
	"sync"
	"time"
)

// virtualAddr is the only address either side of a packetConn ever sees.
type virtualAddr string

func (a virtualAddr) Network() string { return "seclink" }
func (a virtualAddr) String() string  { return string(a) }

const peerAddr = virtualAddr("peer")

// packetConn is the net.PacketConn quic-go reads from and writes to.
// Ingest pushes into in; everything quic-go writes lands in out for
// Produce to pick up. Both queues are bounded and drop when full, as a
// datagram socket would.
type packetConn struct {
	in     chan []byte
	out    chan []byte
	notify func()

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
	deadlineSet  chan struct{}
}

func newPacketConn(queueLen int, notify func()) *packetConn {
	return &packetConn{
		in:          make(chan []byte, queueLen),
		out:         make(chan []byte, queueLen),
		notify:      notify,
		closed:      make(chan struct{}),
		deadlineSet: make(chan struct{}),
	}
}

// push queues one inbound packet; false when full or closed.
func (c *packetConn) push(pkt []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.in <- append([]byte(nil), pkt...):
		return true
	default:
		return false
	}
}

// pop returns the next outbound packet without blocking.
func (c *packetConn) pop() ([]byte, bool) {
	select {
	case pkt := <-c.out:
		return pkt, true
	default:
		return nil, false
	}
}

func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, changed := c.readDeadline, c.deadlineSet
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		n, again, err := c.wait(p, timeout, changed)
		if timer != nil {
			timer.Stop()
		}
		if !again {
			return n, peerAddr, err
		}
	}
}

func (c *packetConn) wait(p []byte, timeout <-chan time.Time, changed <-chan struct{}) (int, bool, error) {
	select {
	case pkt := <-c.in:
		return copy(p, pkt), false, nil
	case <-c.closed:
		return 0, false, net.ErrClosed
	case <-timeout:
		return 0, false, os.ErrDeadlineExceeded
	case <-changed:
		return 0, true, nil
	}
}

func (c *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), p...):
		c.notify()
	default:
		// Full: the packet is lost, and quic-go will retransmit.
	}
	return len(p), nil
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return virtualAddr("local") }

func (c *packetConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	close(c.deadlineSet)
	c.deadlineSet = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.PacketConn = (*packetConn)(nil)

// SetReadBuffer and SetWriteBuffer keep quic-go from warning about socket
// buffer sizes; the queues are sized by Config.QueueLen.
func (c *packetConn) SetReadBuffer(int) error  { return nil }
func (c *packetConn) SetWriteBuffer(int) error { return nil }
