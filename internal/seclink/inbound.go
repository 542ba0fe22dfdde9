package seclink

import (
	"slices"

	"go.uber.org/zap"

	"dev.c0redev.seclink/internal/engine"
)

// inboundReassembler accumulates stream bytes into messages and enforces
// the staleness policy: once a stream completes, every pending stream with
// a smaller id is cancelled and discarded, and so is any such stream that
// shows up later.
type inboundReassembler struct {
	pending    map[engine.StreamID][]byte
	abandoned  map[engine.StreamID]bool
	scratch    []byte
	maxMessage int

	newest    engine.StreamID
	completed bool

	log   *zap.Logger
	stats *counters
}

func newInboundReassembler(chunk, maxMessage int, log *zap.Logger, stats *counters) *inboundReassembler {
	return &inboundReassembler{
		pending:    make(map[engine.StreamID][]byte),
		abandoned:  make(map[engine.StreamID]bool),
		scratch:    make([]byte, chunk),
		maxMessage: maxMessage,
		log:        log,
		stats:      stats,
	}
}

// drain runs one turn over ids and returns the messages completed in it,
// in completion order. progress is false when the turn changed nothing: every
// stream would block or was already abandoned. Stream failures are absorbed;
// fatal and closed outcomes end the turn with an error.
func (r *inboundReassembler) drain(f *facade, ids []engine.StreamID) (out [][]byte, progress bool, err error) {
	for _, id := range ids {
		msg, done, moved, err := r.drainStream(f, id)
		progress = progress || moved
		if err != nil {
			return out, true, err
		}
		if done {
			out = append(out, msg)
		}
	}
	// Abandoned ids are remembered only while the engine keeps listing them.
	for id := range r.abandoned {
		if !slices.Contains(ids, id) {
			delete(r.abandoned, id)
		}
	}
	return out, progress, nil
}

func (r *inboundReassembler) drainStream(f *facade, id engine.StreamID) (msg []byte, done, progress bool, err error) {
	if r.stale(id) {
		return nil, false, r.abandon(f, id), nil
	}
	for {
		res := f.streamRead(id, r.scratch)
		switch res.status {
		case wouldBlock:
			return nil, false, progress, nil
		case fatal:
			return nil, false, true, res.err
		case closed:
			return nil, false, true, errEngineClosed
		case streamFailed:
			delete(r.pending, id)
			r.stats.readFailures.Add(1)
			r.log.Warn("inbound stream failed", zap.Uint64("stream_id", uint64(id)), zap.Error(res.err))
			return nil, false, true, nil
		}
		progress = progress || res.n > 0 || res.fin

		buf := append(r.pending[id], r.scratch[:res.n]...)
		if len(buf) > r.maxMessage {
			f.cancelRead(id)
			delete(r.pending, id)
			r.stats.readFailures.Add(1)
			r.log.Warn("inbound message too large",
				zap.Uint64("stream_id", uint64(id)),
				zap.Int("limit", r.maxMessage))
			return nil, false, true, nil
		}
		if !res.fin {
			if res.n == 0 {
				return nil, false, progress, nil
			}
			r.pending[id] = buf
			continue
		}
		delete(r.pending, id)
		if buf == nil {
			buf = []byte{}
		}
		r.complete(f, id)
		return buf, true, true, nil
	}
}

func (r *inboundReassembler) stale(id engine.StreamID) bool {
	return r.completed && id < r.newest
}

// complete raises the high-water mark to id and abandons every older
// pending message.
func (r *inboundReassembler) complete(f *facade, id engine.StreamID) {
	if !r.completed || id > r.newest {
		r.newest = id
		r.completed = true
	}
	var older []engine.StreamID
	for other := range r.pending {
		if other < id {
			older = append(older, other)
		}
	}
	slices.Sort(older)
	for _, other := range older {
		r.abandon(f, other)
	}
}

// abandon cancels id and discards its bytes. It reports false when id was
// already abandoned and the engine still lists it.
func (r *inboundReassembler) abandon(f *facade, id engine.StreamID) bool {
	f.cancelRead(id)
	delete(r.pending, id)
	if r.abandoned[id] {
		return false
	}
	r.abandoned[id] = true
	r.stats.messagesAbandoned.Add(1)
	r.log.Debug("abandoned stale inbound message", zap.Uint64("stream_id", uint64(id)))
	return true
}

// pendingIDs is for tests and debugging.
func (r *inboundReassembler) pendingIDs() []engine.StreamID {
	ids := make([]engine.StreamID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
