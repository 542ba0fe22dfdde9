package seclink

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.seclink/internal/engine"
)

type status uint8

const (
	progressed status = iota
	wouldBlock
	closed
	// streamFailed: a failure scoped to one stream.
	streamFailed
	fatal
)

type result struct {
	n      int
	fin    bool
	status status
	err    error
}

// facade normalizes engine outcomes and republishes state after every call
// that can change it. Every method must be called with the SecureLink mutex
// held.
type facade struct {
	eng    engine.Engine
	wakers *Registry
	log    *zap.Logger
}

// changed fires the waiters whose condition the last call may have
// satisfied. Over-waking is fine; missing one is not.
func (f *facade) changed(events ...Event) {
	f.wakers.Wake(events...)
}

func (f *facade) ingest(pkt []byte) error {
	err := f.eng.Ingest(pkt)
	switch {
	case err == nil:
		f.changed(allEvents...)
	case engine.IsFatal(err):
		f.changed(allEvents...)
		return err
	case engine.IsBenign(err):
	default:
		f.log.Debug("packet rejected", zap.Int("size", len(pkt)), zap.Error(err))
	}
	return nil
}

func (f *facade) produce(buf []byte) result {
	n, err := f.eng.Produce(buf)
	switch {
	case err == nil:
		f.changed(EventDeadline)
		return result{n: n, status: progressed}
	case engine.IsBenign(err):
		return result{status: wouldBlock}
	case errors.Is(err, engine.ErrClosed):
		return result{status: closed}
	default:
		return result{status: fatal, err: engine.Fatal(err)}
	}
}

func (f *facade) streamWrite(id engine.StreamID, p []byte, fin bool) result {
	n, err := f.eng.StreamWrite(id, p, fin)
	f.changed(EventOutboundReady, EventDeadline)
	switch {
	case err == nil && n == len(p):
		return result{n: n, status: progressed}
	case err == nil:
		return result{n: n, status: streamFailed, err: &engine.StreamError{
			ID:  id,
			Err: fmt.Errorf("short write: %d of %d bytes", n, len(p)),
		}}
	case engine.IsFatal(err):
		return result{status: fatal, err: err}
	case errors.Is(err, engine.ErrClosed):
		return result{status: closed}
	default:
		return result{n: n, status: streamFailed, err: err}
	}
}

func (f *facade) streamRead(id engine.StreamID, buf []byte) result {
	n, fin, err := f.eng.StreamRead(id, buf)
	switch {
	case err == nil:
		// Consuming data may open flow control credit.
		f.changed(EventOutboundReady, EventDeadline)
		return result{n: n, fin: fin, status: progressed}
	case engine.IsBenign(err):
		return result{status: wouldBlock}
	case engine.IsFatal(err):
		return result{status: fatal, err: err}
	case errors.Is(err, engine.ErrClosed):
		return result{status: closed}
	default:
		return result{status: streamFailed, err: err}
	}
}

func (f *facade) cancelRead(id engine.StreamID) {
	f.eng.CancelRead(id)
	f.changed(EventOutboundReady, EventDeadline)
}

func (f *facade) cancelWrite(id engine.StreamID) {
	f.eng.CancelWrite(id)
	f.changed(EventOutboundReady, EventDeadline)
}

func (f *facade) readable() []engine.StreamID {
	return f.eng.Readable()
}

func (f *facade) nextDeadline() (time.Duration, bool) {
	return f.eng.NextDeadline()
}

func (f *facade) advance() {
	f.eng.AdvanceDeadline()
	f.changed(allEvents...)
}

// notified handles an asynchronous engine state change.
func (f *facade) notified() {
	f.changed(allEvents...)
}
