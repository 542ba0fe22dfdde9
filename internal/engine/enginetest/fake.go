// Package enginetest provides engines for exercising the secure link
// without a real secure transport: Fake is scripted step by step, Loopback
// is a plaintext engine that actually carries stream bytes in packets.
package enginetest

import (
	"errors"
	"sync"
	"time"

	"dev.c0redev.seclink/internal/engine"
)

// ErrInjected is the default error for scripted failures.
var ErrInjected = errors.New("enginetest: injected failure")

type readStep struct {
	data []byte
	fin  bool
	err  error
}

// Fake is a scripted engine. Tests queue packets, stream read results,
// deadlines and write failures; the fake records everything the link does
// to it. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	outbound   [][]byte
	closedOut  bool
	produceErr error

	ingested  [][]byte
	ingestErr error

	reads          map[engine.StreamID][]readStep
	order          []engine.StreamID
	written        map[engine.StreamID][]byte
	fins           map[engine.StreamID]bool
	writeOrder     []engine.StreamID
	failWrite      map[engine.StreamID]error
	shortWrite     map[engine.StreamID]int
	packetPerWrite bool

	canceledReads  []engine.StreamID
	canceledWrites []engine.StreamID
	stuck          []engine.StreamID
	readCalls      int

	deadline    time.Duration
	hasDeadline bool
	advances    int

	notify chan struct{}
	closed bool
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		reads:      make(map[engine.StreamID][]readStep),
		written:    make(map[engine.StreamID][]byte),
		fins:       make(map[engine.StreamID]bool),
		failWrite:  make(map[engine.StreamID]error),
		shortWrite: make(map[engine.StreamID]int),
		notify:     make(chan struct{}, 1),
	}
}

func (f *Fake) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// QueuePacket makes pkt the next Produce result after those already queued.
func (f *Fake) QueuePacket(pkt []byte) {
	f.mu.Lock()
	f.outbound = append(f.outbound, append([]byte(nil), pkt...))
	f.mu.Unlock()
	f.signal()
}

// PacketPerWrite makes every successful StreamWrite queue one outbound
// packet carrying the written bytes.
func (f *Fake) PacketPerWrite(on bool) {
	f.mu.Lock()
	f.packetPerWrite = on
	f.mu.Unlock()
}

// CloseGracefully makes Produce return engine.ErrClosed once drained.
func (f *Fake) CloseGracefully() {
	f.mu.Lock()
	f.closedOut = true
	f.mu.Unlock()
	f.signal()
}

// FailProduce makes Produce return err once the queue is drained.
func (f *Fake) FailProduce(err error) {
	f.mu.Lock()
	f.produceErr = err
	f.mu.Unlock()
	f.signal()
}

// FailIngest makes every Ingest return err.
func (f *Fake) FailIngest(err error) {
	f.mu.Lock()
	f.ingestErr = err
	f.mu.Unlock()
}

// QueueRead appends one StreamRead result for id.
func (f *Fake) QueueRead(id engine.StreamID, data []byte, fin bool) {
	f.queue(id, readStep{data: append([]byte(nil), data...), fin: fin})
}

// QueueReadError appends a failing StreamRead result for id.
func (f *Fake) QueueReadError(id engine.StreamID, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.queue(id, readStep{err: err})
}

func (f *Fake) queue(id engine.StreamID, step readStep) {
	f.mu.Lock()
	if _, ok := f.reads[id]; !ok {
		f.order = append(f.order, id)
	}
	f.reads[id] = append(f.reads[id], step)
	f.mu.Unlock()
	f.signal()
}

// FailWrite makes the next StreamWrite on id return err.
func (f *Fake) FailWrite(id engine.StreamID, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failWrite[id] = err
	f.mu.Unlock()
}

// ShortWrite makes the next StreamWrite on id accept only n bytes.
func (f *Fake) ShortWrite(id engine.StreamID, n int) {
	f.mu.Lock()
	f.shortWrite[id] = n
	f.mu.Unlock()
}

// SetDeadline sets what NextDeadline reports.
func (f *Fake) SetDeadline(d time.Duration, ok bool) {
	f.mu.Lock()
	f.deadline, f.hasDeadline = d, ok
	f.mu.Unlock()
	f.signal()
}

// Ingest implements engine.Engine.
func (f *Fake) Ingest(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, append([]byte(nil), pkt...))
	return nil
}

// Produce implements engine.Engine.
func (f *Fake) Produce(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbound) > 0 {
		pkt := f.outbound[0]
		f.outbound = f.outbound[1:]
		return copy(buf, pkt), nil
	}
	if f.produceErr != nil {
		return 0, f.produceErr
	}
	if f.closedOut {
		return 0, engine.ErrClosed
	}
	return 0, engine.ErrWouldBlock
}

// StreamWrite implements engine.Engine.
func (f *Fake) StreamWrite(id engine.StreamID, p []byte, fin bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeOrder = append(f.writeOrder, id)
	if err, ok := f.failWrite[id]; ok {
		delete(f.failWrite, id)
		return 0, err
	}
	n := len(p)
	if short, ok := f.shortWrite[id]; ok {
		delete(f.shortWrite, id)
		if short < n {
			n = short
		}
	}
	f.written[id] = append(f.written[id], p[:n]...)
	if n == len(p) && fin {
		f.fins[id] = true
	}
	if f.packetPerWrite {
		f.outbound = append(f.outbound, append([]byte(nil), p[:n]...))
	}
	return n, nil
}

// StreamRead implements engine.Engine.
func (f *Fake) StreamRead(id engine.StreamID, buf []byte) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	steps := f.reads[id]
	if len(steps) == 0 {
		return 0, false, engine.ErrWouldBlock
	}
	step := steps[0]
	if step.err != nil {
		f.popLocked(id)
		return 0, false, step.err
	}
	n := copy(buf, step.data)
	if n < len(step.data) {
		steps[0].data = step.data[n:]
		return n, false, nil
	}
	f.popLocked(id)
	return n, step.fin, nil
}

func (f *Fake) popLocked(id engine.StreamID) {
	steps := f.reads[id][1:]
	if len(steps) > 0 {
		f.reads[id] = steps
		return
	}
	delete(f.reads, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i:i], f.order[i+1:]...)
			break
		}
	}
}

// CancelRead implements engine.Engine. Queued reads for id are discarded
// and it stops being readable.
func (f *Fake) CancelRead(id engine.StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledReads = append(f.canceledReads, id)
	if _, ok := f.reads[id]; ok {
		f.reads[id] = f.reads[id][:1]
		f.popLocked(id)
	}
}

// CancelWrite implements engine.Engine.
func (f *Fake) CancelWrite(id engine.StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledWrites = append(f.canceledWrites, id)
	delete(f.fins, id)
}

// Readable implements engine.Engine; ids come back in first-queued order,
// followed by stuck ids.
func (f *Fake) Readable() []engine.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]engine.StreamID(nil), f.order...)
	for _, id := range f.stuck {
		if _, queued := f.reads[id]; !queued {
			ids = append(ids, id)
		}
	}
	return ids
}

// StuckReadable keeps ids in Readable for good, even with nothing queued
// and after CancelRead.
func (f *Fake) StuckReadable(ids ...engine.StreamID) {
	f.mu.Lock()
	f.stuck = append(f.stuck, ids...)
	f.mu.Unlock()
	f.signal()
}

// NextDeadline implements engine.Engine.
func (f *Fake) NextDeadline() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline, f.hasDeadline
}

// AdvanceDeadline implements engine.Engine.
func (f *Fake) AdvanceDeadline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
}

// Notify implements engine.Engine.
func (f *Fake) Notify() <-chan struct{} { return f.notify }

// Close implements engine.Engine.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Ingested returns copies of every packet passed to Ingest.
func (f *Fake) Ingested() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.ingested...)
}

// Written returns the bytes written to id and whether it was finished.
func (f *Fake) Written(id engine.StreamID) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written[id]...), f.fins[id]
}

// WriteOrder returns stream ids in StreamWrite call order.
func (f *Fake) WriteOrder() []engine.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.StreamID(nil), f.writeOrder...)
}

// CanceledReads returns ids passed to CancelRead, in call order.
func (f *Fake) CanceledReads() []engine.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.StreamID(nil), f.canceledReads...)
}

// CanceledWrites returns ids passed to CancelWrite, in call order.
func (f *Fake) CanceledWrites() []engine.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.StreamID(nil), f.canceledWrites...)
}

// ReadCalls counts StreamRead calls.
func (f *Fake) ReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

// Advances counts AdvanceDeadline calls.
func (f *Fake) Advances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ engine.Engine = (*Fake)(nil)
