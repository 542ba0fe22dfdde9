package seclink

import (
	"time"

	"go.uber.org/zap"

	"dev.c0redev.seclink/internal/clock"
	"dev.c0redev.seclink/internal/quicengine"
)

const (
	// DefaultMaxPacketSize bounds one raw packet handed to the Link.
	DefaultMaxPacketSize = 4096
	// DefaultDeadlineFloor is the shortest timer the coordinator arms.
	DefaultDeadlineFloor = time.Millisecond
	// DefaultMaxMessageSize caps one reassembled inbound message.
	DefaultMaxMessageSize = 16 << 20
)

// Config tunes a SecureLink. The zero value is usable.
type Config struct {
	MaxPacketSize  int
	DeadlineFloor  time.Duration
	MaxMessageSize int

	Logger *zap.Logger
	Clock  clock.Clock

	// QUIC configures the engine built by New; NewWithEngine ignores it.
	QUIC quicengine.Config
}

func (c Config) withDefaults() Config {
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.DeadlineFloor <= 0 {
		c.DeadlineFloor = DefaultDeadlineFloor
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}
