// Package engine defines the narrow contract the secure link drives a
// secure-transport engine through: raw packets in and out, unidirectional
// streams keyed by StreamID, and an optional timer the engine wants ticked.
//
// Engines never block. Operations that cannot make progress return
// ErrWouldBlock; failures scoped to one stream are *StreamError; anything
// that ends the connection satisfies IsFatal.
package engine

import "time"

// Engine is a sans-IO secure transport state machine.
type Engine interface {
	// Ingest feeds one raw packet received from the peer. ErrDone means the
	// packet had no effect (duplicate, closed connection, queue full).
	Ingest(pkt []byte) error

	// Produce writes the next raw packet for the peer into buf.
	// ErrWouldBlock: nothing to send now. ErrClosed: connection ended
	// gracefully and fully flushed.
	Produce(buf []byte) (int, error)

	// StreamWrite writes p to stream id, finishing the stream when fin is
	// set. A return of n < len(p) is a short write.
	StreamWrite(id StreamID, p []byte, fin bool) (int, error)

	// StreamRead copies buffered stream data into buf. fin reports that the
	// returned bytes end the stream. ErrWouldBlock when no data is ready.
	StreamRead(id StreamID, buf []byte) (n int, fin bool, err error)

	// CancelRead tells the peer it need not finish sending id.
	CancelRead(id StreamID)

	// CancelWrite abandons the send side of id.
	CancelWrite(id StreamID)

	// Readable lists streams with data, a fin or an error pending.
	Readable() []StreamID

	// NextDeadline is the time until the engine wants AdvanceDeadline
	// called; ok is false when no timer is needed.
	NextDeadline() (d time.Duration, ok bool)

	// AdvanceDeadline reacts to the deadline having elapsed without packet
	// activity (loss detection, retransmission, idle timeout).
	AdvanceDeadline()

	// Notify signals state changes that happen outside the calls above,
	// for engines with internal goroutines. May return nil.
	Notify() <-chan struct{}

	// Close releases the engine.
	Close() error
}
