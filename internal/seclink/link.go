// Package seclink carries discrete application messages over an unreliable
// datagram link through a secure-transport engine. Every message gets its
// own unidirectional stream, so loss on one message never stalls another,
// and a receiver that completes a newer message abandons older unfinished
// ones.
//
// A SecureLink runs independent activities (message writer, packet sender,
// packet receiver, message deliverer, timeout coordinator) that share the
// engine under one mutex. The mutex is never held across a blocking wait;
// activities suspend on single-slot Waiters in a Registry and are woken in
// the same critical section that changes engine state.
package seclink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.seclink/internal/engine"
)

var (
	// ErrClosed is returned by operations on a link that is closing or closed.
	ErrClosed = errors.New("seclink: link closed")
	// ErrLinkGone wraps errors from a Link that can no longer carry traffic.
	ErrLinkGone = errors.New("seclink: link gone")

	errEngineClosed = errors.New("seclink: engine closed")
)

// Link is the application side of a SecureLink: it supplies outbound
// messages and raw packets from the peer, and accepts delivered messages
// and raw packets for the peer.
type Link interface {
	// NextOutboundMessage blocks until the application has a message to send.
	NextOutboundMessage(ctx context.Context) ([]byte, error)
	// DeliverInboundMessage hands one complete message to the application.
	DeliverInboundMessage(ctx context.Context, msg []byte) error
	// SendPacket transmits one raw packet. The transport is unreliable and
	// errors are logged, not fatal.
	SendPacket(pkt []byte) error
	// NextPacket blocks until a raw packet arrives from the peer.
	NextPacket(ctx context.Context) ([]byte, error)
}

// State is the lifecycle of a SecureLink.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SecureLink owns one engine and the Link it talks through.
type SecureLink struct {
	id    string
	role  engine.Role
	link  Link
	cfg   Config
	log   *zap.Logger
	stats counters

	mu      sync.Mutex
	eng     *facade
	wakers  Registry
	out     *outboundMux
	in      *inboundReassembler
	state   State
	err     error
	running bool

	closed   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewWithEngine wraps an already constructed engine.
func NewWithEngine(link Link, role engine.Role, eng engine.Engine, cfg Config) *SecureLink {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log := cfg.Logger.With(zap.String("link_id", id), zap.Stringer("role", role))
	l := &SecureLink{
		id:     id,
		role:   role,
		link:   link,
		cfg:    cfg,
		log:    log,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.eng = &facade{eng: eng, wakers: &l.wakers, log: log}
	l.out = newOutboundMux(role, log, &l.stats)
	l.in = newInboundReassembler(cfg.MaxPacketSize, cfg.MaxMessageSize, log, &l.stats)
	return l
}

// ID identifies the link in logs.
func (l *SecureLink) ID() string { return l.id }

// Role is the side this link plays.
func (l *SecureLink) Role() engine.Role { return l.role }

// State returns the current lifecycle state.
func (l *SecureLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the fatal error that ended the link, if any.
func (l *SecureLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stats returns a counter snapshot.
func (l *SecureLink) Stats() Stats { return l.stats.snapshot() }

// Done is closed once the link reaches StateClosed.
func (l *SecureLink) Done() <-chan struct{} { return l.done }

// ReceivedPacket feeds one raw packet from the peer to the engine. Rejected
// packets are not errors, and neither is a late packet for a link that
// already closed; only a fatal engine failure is returned, and it closes the
// link.
func (l *SecureLink) ReceivedPacket(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return l.err
	}
	l.stats.packetsIn.Add(1)
	if err := l.eng.ingest(pkt); err != nil {
		l.failLocked(err)
		return err
	}
	return nil
}

// NextSend waits for the engine's next raw packet and writes it into buf.
// ok is false with a nil error once the link closed gracefully.
func (l *SecureLink) NextSend(ctx context.Context, buf []byte) (n int, ok bool, err error) {
	for {
		w := NewWaiter()
		l.mu.Lock()
		if l.state != StateActive {
			err := l.err
			l.mu.Unlock()
			return 0, false, err
		}
		r, ready := RegisterIfPending(&l.wakers, EventOutboundReady, w, func() (result, bool) {
			r := l.eng.produce(buf)
			return r, r.status != wouldBlock
		})
		if ready {
			switch r.status {
			case progressed:
				l.mu.Unlock()
				l.stats.packetsOut.Add(1)
				return r.n, true, nil
			case closed:
				l.beginCloseLocked()
				l.mu.Unlock()
				return 0, false, nil
			default:
				l.failLocked(r.err)
				l.mu.Unlock()
				return 0, false, r.err
			}
		}
		l.mu.Unlock()

		select {
		case <-w:
		case <-l.closed:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}

// Run drives the link until the Link goes away, the engine closes, a fatal
// error occurs, ctx ends or Close is called. It returns the fatal error, or
// nil for every clean ending. Run may be called once.
func (l *SecureLink) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.state != StateActive {
		l.mu.Unlock()
		return ErrClosed
	}
	l.running = true
	l.mu.Unlock()
	l.log.Info("secure link started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-gctx.Done():
		}
	}()

	g.Go(func() error { return l.writeMessages(gctx) })
	g.Go(func() error { return l.sendPackets(gctx) })
	g.Go(func() error { return l.receivePackets(gctx) })
	g.Go(func() error { return l.deliverMessages(gctx) })
	g.Go(func() error { return l.runTimeouts(gctx) })
	if notify := l.eng.eng.Notify(); notify != nil {
		g.Go(func() error { return l.watchEngine(gctx, notify) })
	}

	return l.finish(g.Wait())
}

// Close begins teardown: waiters are released and the engine is closed.
// Safe to call more than once and from any goroutine.
func (l *SecureLink) Close() error {
	l.mu.Lock()
	l.beginCloseLocked()
	if !l.running {
		l.state = StateClosed
		l.doneOnce.Do(func() { close(l.done) })
	}
	l.mu.Unlock()
	return nil
}

// resolve reports whether an activity should keep going.
func (l *SecureLink) resolve() bool {
	select {
	case <-l.closed:
		return false
	default:
		return true
	}
}

func (l *SecureLink) failLocked(err error) {
	if l.err == nil {
		l.err = err
	}
	l.beginCloseLocked()
}

func (l *SecureLink) beginCloseLocked() {
	if l.state != StateActive {
		return
	}
	l.state = StateClosing
	close(l.closed)
	l.wakers.Drain()
	if err := l.eng.eng.Close(); err != nil {
		l.log.Debug("engine close", zap.Error(err))
	}
}

func (l *SecureLink) finish(err error) error {
	l.mu.Lock()
	if !cleanEnding(err) && l.err == nil {
		l.err = err
	}
	l.beginCloseLocked()
	l.state = StateClosed
	final := l.err
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.done) })

	if final != nil {
		l.log.Error("secure link failed", zap.Error(final), zap.Object("stats", l.Stats()))
	} else {
		l.log.Info("secure link closed", zap.Object("stats", l.Stats()))
	}
	return final
}

func cleanEnding(err error) bool {
	return err == nil ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrLinkGone) ||
		errors.Is(err, errEngineClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func linkErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrLinkGone, err)
}

func (l *SecureLink) writeMessages(ctx context.Context) error {
	for l.resolve() {
		msg, err := l.link.NextOutboundMessage(ctx)
		if err != nil {
			return linkErr(ctx, err)
		}
		l.mu.Lock()
		if l.state != StateActive {
			l.mu.Unlock()
			return ErrClosed
		}
		err = l.out.write(l.eng, msg)
		if engine.IsFatal(err) {
			l.failLocked(err)
		}
		l.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return ErrClosed
}

func (l *SecureLink) sendPackets(ctx context.Context) error {
	buf := make([]byte, l.cfg.MaxPacketSize)
	for l.resolve() {
		n, ok, err := l.NextSend(ctx, buf)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClosed
		}
		if err := l.link.SendPacket(buf[:n]); err != nil {
			l.log.Debug("send packet", zap.Int("size", n), zap.Error(err))
		}
	}
	return ErrClosed
}

func (l *SecureLink) receivePackets(ctx context.Context) error {
	for l.resolve() {
		pkt, err := l.link.NextPacket(ctx)
		if err != nil {
			return linkErr(ctx, err)
		}
		if err := l.ReceivedPacket(pkt); err != nil {
			return err
		}
	}
	return ErrClosed
}

type inboundTurn struct {
	msgs [][]byte
	err  error
}

func (l *SecureLink) deliverMessages(ctx context.Context) error {
	for l.resolve() {
		w := NewWaiter()
		l.mu.Lock()
		if l.state != StateActive {
			l.mu.Unlock()
			return ErrClosed
		}
		turn, ready := RegisterIfPending(&l.wakers, EventInboundReadable, w, func() (inboundTurn, bool) {
			ids := l.eng.readable()
			if len(ids) == 0 {
				return inboundTurn{}, false
			}
			// A turn that changed nothing suspends until the next state change.
			msgs, progress, err := l.in.drain(l.eng, ids)
			return inboundTurn{msgs: msgs, err: err}, progress
		})
		if engine.IsFatal(turn.err) {
			l.failLocked(turn.err)
		}
		l.mu.Unlock()

		if !ready {
			select {
			case <-w:
			case <-l.closed:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, msg := range turn.msgs {
			if err := l.link.DeliverInboundMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Warn("deliver inbound message", zap.Int("size", len(msg)), zap.Error(err))
				continue
			}
			l.stats.messagesDelivered.Add(1)
		}
		if turn.err != nil {
			return turn.err
		}
	}
	return ErrClosed
}

// watchEngine republishes state changes an engine makes on its own
// goroutines.
func (l *SecureLink) watchEngine(ctx context.Context, notify <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return ErrClosed
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			l.mu.Lock()
			if l.state == StateActive {
				l.eng.notified()
			}
			l.mu.Unlock()
		}
	}
}
