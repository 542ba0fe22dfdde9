// Package link connects a SecureLink to the outside world: an Endpoint
// carries raw packets over any datagram Conn (UDP, ICE, in-memory pipe) and
// queues application messages in both directions.
package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned once the Endpoint or its Conn is closed.
var ErrClosed = errors.New("link: closed")

// Conn is a datagram transport to one peer. Read returns one datagram.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Options tune an Endpoint. Zero fields take defaults.
type Options struct {
	// OutboundQueue bounds messages waiting for the secure link. When full
	// the oldest message is dropped: a newer message supersedes it.
	OutboundQueue int
	// InboundQueue bounds delivered messages waiting for Receive.
	InboundQueue int
	// PacketQueue bounds raw packets read from the Conn but not yet
	// ingested; overflow drops the packet, as a socket buffer would.
	PacketQueue int
	// MaxDatagram is the read buffer size.
	MaxDatagram int
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 64
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 64
	}
	if o.PacketQueue <= 0 {
		o.PacketQueue = 256
	}
	if o.MaxDatagram <= 0 {
		o.MaxDatagram = 65535
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Endpoint satisfies seclink.Link.
type Endpoint struct {
	conn Conn
	opts Options
	log  *zap.Logger

	outMu    sync.Mutex
	out      [][]byte
	outReady chan struct{}

	in      chan []byte
	packets chan []byte

	readErr  error
	readDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	dropped     atomic.Uint64
	packetsLost atomic.Uint64
}

// NewEndpoint starts reading from conn.
func NewEndpoint(conn Conn, opts Options) *Endpoint {
	opts = opts.withDefaults()
	e := &Endpoint{
		conn:     conn,
		opts:     opts,
		log:      opts.Logger,
		outReady: make(chan struct{}, 1),
		in:       make(chan []byte, opts.InboundQueue),
		packets:  make(chan []byte, opts.PacketQueue),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *Endpoint) readLoop() {
	defer close(e.readDone)
	buf := make([]byte, e.opts.MaxDatagram)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			e.readErr = err
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case e.packets <- pkt:
		default:
			e.packetsLost.Add(1)
		}
	}
}

// Send queues msg for the peer, dropping the oldest queued message when
// the queue is full. It reports whether a message was dropped.
func (e *Endpoint) Send(msg []byte) (dropped bool, err error) {
	select {
	case <-e.closed:
		return false, ErrClosed
	default:
	}
	e.outMu.Lock()
	if len(e.out) >= e.opts.OutboundQueue {
		e.out = e.out[1:]
		dropped = true
	}
	e.out = append(e.out, append([]byte(nil), msg...))
	e.outMu.Unlock()
	if dropped {
		e.dropped.Add(1)
	}
	select {
	case e.outReady <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Receive returns the next message delivered by the secure link.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped counts outbound messages superseded before they were sent.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// PacketsLost counts raw packets dropped because ingestion fell behind.
func (e *Endpoint) PacketsLost() uint64 { return e.packetsLost.Load() }

// NextOutboundMessage implements seclink.Link.
func (e *Endpoint) NextOutboundMessage(ctx context.Context) ([]byte, error) {
	for {
		e.outMu.Lock()
		if len(e.out) > 0 {
			msg := e.out[0]
			e.out[0] = nil
			e.out = e.out[1:]
			e.outMu.Unlock()
			return msg, nil
		}
		e.outMu.Unlock()
		select {
		case <-e.outReady:
		case <-e.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DeliverInboundMessage implements seclink.Link. It blocks while the
// inbound queue is full.
func (e *Endpoint) DeliverInboundMessage(ctx context.Context, msg []byte) error {
	select {
	case e.in <- msg:
		return nil
	case <-e.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendPacket implements seclink.Link.
func (e *Endpoint) SendPacket(pkt []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	_, err := e.conn.Write(pkt)
	return err
}

// NextPacket implements seclink.Link. Packets already read are handed out
// before a Conn read error is reported.
func (e *Endpoint) NextPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-e.packets:
		return pkt, nil
	default:
	}
	select {
	case pkt := <-e.packets:
		return pkt, nil
	case <-e.readDone:
		select {
		case pkt := <-e.packets:
			return pkt, nil
		default:
		}
		if e.readErr != nil {
			return nil, e.readErr
		}
		return nil, ErrClosed
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the Endpoint and closes its Conn.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
		e.log.Debug("endpoint closed",
			zap.Uint64("dropped", e.dropped.Load()),
			zap.Uint64("packets_lost", e.packetsLost.Load()))
	})
	return err
}
