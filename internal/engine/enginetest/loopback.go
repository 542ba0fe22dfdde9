package enginetest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"dev.c0redev.seclink/internal/engine"
	"dev.c0redev.seclink/internal/proto"
)

// ErrPacketTooSmall: Produce was given a buffer smaller than the MTU.
var ErrPacketTooSmall = errors.New("enginetest: produce buffer smaller than mtu")

type recvStream struct {
	data []byte
	fin  bool
	err  error
}

// Loopback is a plaintext engine: stream bytes travel as proto frames, one
// frame per packet, chunked to the MTU. It assumes a lossless, ordered
// transport and never asks for a deadline. Safe for concurrent use.
type Loopback struct {
	mu  sync.Mutex
	mtu int

	sendq  []proto.Frame
	recv   map[engine.StreamID]*recvStream
	done   map[engine.StreamID]bool
	closed bool
}

// NewLoopback returns a Loopback producing packets of at most mtu bytes.
func NewLoopback(mtu int) *Loopback {
	if proto.MaxChunk(mtu) == 0 {
		panic("enginetest: mtu too small for a frame header")
	}
	return &Loopback{
		mtu:  mtu,
		recv: make(map[engine.StreamID]*recvStream),
		done: make(map[engine.StreamID]bool),
	}
}

// Ingest implements engine.Engine.
func (l *Loopback) Ingest(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return engine.ErrDone
	}
	rest := pkt
	for len(rest) > 0 {
		f, r, err := proto.ParseFrame(rest)
		if err != nil {
			// Garbage is dropped, as a real engine drops undecryptable packets.
			return engine.ErrDone
		}
		rest = r
		l.applyLocked(f)
	}
	return nil
}

func (l *Loopback) applyLocked(f *proto.Frame) {
	id := engine.StreamID(f.StreamID)
	switch f.Type {
	case proto.TypeData, proto.TypeFin:
		if l.done[id] {
			return
		}
		st := l.recv[id]
		if st == nil {
			st = &recvStream{}
			l.recv[id] = st
		}
		st.data = append(st.data, f.Payload...)
		if f.Type == proto.TypeFin {
			st.fin = true
		}
	case proto.TypeReset:
		if st := l.recv[id]; st != nil {
			st.err = errors.New("reset by peer")
			st.data = nil
		} else if !l.done[id] {
			l.recv[id] = &recvStream{err: errors.New("reset by peer")}
		}
	case proto.TypeStopSending:
		l.dropSendLocked(id)
	}
}

// dropSendLocked discards unsent stream bytes for id.
func (l *Loopback) dropSendLocked(id engine.StreamID) {
	kept := l.sendq[:0]
	for _, f := range l.sendq {
		if engine.StreamID(f.StreamID) == id && f.Type != proto.TypeStopSending {
			continue
		}
		kept = append(kept, f)
	}
	l.sendq = kept
}

// Produce implements engine.Engine.
func (l *Loopback) Produce(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sendq) == 0 {
		if l.closed {
			return 0, engine.ErrClosed
		}
		return 0, engine.ErrWouldBlock
	}
	if len(buf) < l.mtu {
		return 0, engine.Fatal(ErrPacketTooSmall)
	}
	f := l.sendq[0]
	l.sendq = l.sendq[1:]
	pkt, err := proto.AppendFrame(buf[:0], &f)
	if err != nil {
		return 0, engine.Fatal(err)
	}
	return len(pkt), nil
}

// StreamWrite implements engine.Engine.
func (l *Loopback) StreamWrite(id engine.StreamID, p []byte, fin bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, engine.ErrClosed
	}
	chunk := proto.MaxChunk(l.mtu)
	for off := 0; off < len(p) || (off == 0 && fin); off += chunk {
		end := off + chunk
		if end > len(p) {
			end = len(p)
		}
		t := proto.TypeData
		if fin && end == len(p) {
			t = proto.TypeFin
		}
		l.sendq = append(l.sendq, proto.Frame{
			Type:     t,
			StreamID: uint64(id),
			Payload:  append([]byte(nil), p[off:end]...),
		})
		if end == len(p) {
			break
		}
	}
	return len(p), nil
}

// StreamRead implements engine.Engine.
func (l *Loopback) StreamRead(id engine.StreamID, buf []byte) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.recv[id]
	if st == nil {
		return 0, false, engine.ErrWouldBlock
	}
	if st.err != nil {
		l.finishLocked(id)
		return 0, false, &engine.StreamError{ID: id, Err: st.err}
	}
	n := copy(buf, st.data)
	st.data = st.data[n:]
	if len(st.data) == 0 && st.fin {
		l.finishLocked(id)
		return n, true, nil
	}
	if n == 0 {
		return 0, false, engine.ErrWouldBlock
	}
	return n, false, nil
}

func (l *Loopback) finishLocked(id engine.StreamID) {
	delete(l.recv, id)
	l.done[id] = true
}

// CancelRead implements engine.Engine.
func (l *Loopback) CancelRead(id engine.StreamID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done[id] {
		return
	}
	l.finishLocked(id)
	l.sendq = append(l.sendq, proto.Frame{Type: proto.TypeStopSending, StreamID: uint64(id)})
}

// CancelWrite implements engine.Engine.
func (l *Loopback) CancelWrite(id engine.StreamID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropSendLocked(id)
	l.sendq = append(l.sendq, proto.Frame{Type: proto.TypeReset, StreamID: uint64(id)})
}

// Readable implements engine.Engine; ids come back ascending.
func (l *Loopback) Readable() []engine.StreamID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []engine.StreamID
	for id, st := range l.recv {
		if len(st.data) > 0 || st.fin || st.err != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NextDeadline implements engine.Engine.
func (l *Loopback) NextDeadline() (time.Duration, bool) { return 0, false }

// AdvanceDeadline implements engine.Engine.
func (l *Loopback) AdvanceDeadline() {}

// Notify implements engine.Engine.
func (l *Loopback) Notify() <-chan struct{} { return nil }

// Close implements engine.Engine. Queued frames still drain through Produce.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ engine.Engine = (*Loopback)(nil)
