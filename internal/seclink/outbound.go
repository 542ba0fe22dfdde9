package seclink

import (
	"go.uber.org/zap"

	"dev.c0redev.seclink/internal/engine"
)

// outboundMux maps each outbound message onto a fresh unidirectional
// stream so one lost packet never delays another message.
type outboundMux struct {
	alloc *engine.Allocator
	log   *zap.Logger
	stats *counters
}

func newOutboundMux(role engine.Role, log *zap.Logger, stats *counters) *outboundMux {
	return &outboundMux{alloc: engine.NewAllocator(role), log: log, stats: stats}
}

// write sends msg on the next stream id. A failure scoped to that stream
// drops the message and shuts the stream down; only fatal or closed
// outcomes are returned. The facade wakes the outbound waiter either way.
func (m *outboundMux) write(f *facade, msg []byte) error {
	id := m.alloc.Allocate()
	r := f.streamWrite(id, msg, true)
	switch r.status {
	case progressed:
		m.stats.messagesSent.Add(1)
		return nil
	case fatal:
		return r.err
	case closed:
		return errEngineClosed
	}
	f.cancelWrite(id)
	m.stats.messagesDropped.Add(1)
	m.log.Warn("dropped outbound message",
		zap.Uint64("stream_id", uint64(id)),
		zap.Int("size", len(msg)),
		zap.Int("written", r.n),
		zap.Error(r.err))
	return nil
}
