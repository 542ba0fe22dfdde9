package seclink

import (
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// Stats is a snapshot of link counters.
type Stats struct {
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	MessagesDelivered uint64 `json:"messages_delivered"`
	MessagesAbandoned uint64 `json:"messages_abandoned"`
	ReadFailures      uint64 `json:"read_failures"`
	PacketsIn         uint64 `json:"packets_in"`
	PacketsOut        uint64 `json:"packets_out"`
}

// MarshalLogObject lets Stats be logged with zap.Object.
func (s Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("messages_sent", s.MessagesSent)
	enc.AddUint64("messages_dropped", s.MessagesDropped)
	enc.AddUint64("messages_delivered", s.MessagesDelivered)
	enc.AddUint64("messages_abandoned", s.MessagesAbandoned)
	enc.AddUint64("read_failures", s.ReadFailures)
	enc.AddUint64("packets_in", s.PacketsIn)
	enc.AddUint64("packets_out", s.PacketsOut)
	return nil
}

type counters struct {
	messagesSent      atomic.Uint64
	messagesDropped   atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesAbandoned atomic.Uint64
	readFailures      atomic.Uint64
	packetsIn         atomic.Uint64
	packetsOut        atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:      c.messagesSent.Load(),
		MessagesDropped:   c.messagesDropped.Load(),
		MessagesDelivered: c.messagesDelivered.Load(),
		MessagesAbandoned: c.messagesAbandoned.Load(),
		ReadFailures:      c.readFailures.Load(),
		PacketsIn:         c.packetsIn.Load(),
		PacketsOut:        c.packetsOut.Load(),
	}
}
