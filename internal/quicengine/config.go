package quicengine

import "time"

// Config tunes the QUIC engine. Zero fields take defaults.
type Config struct {
	// ALPN both sides must agree on.
	ALPN string `mapstructure:"alpn"`
	// ServerName the client sends in its ClientHello.
	ServerName string `mapstructure:"server_name"`
	// PeerFingerprint is the SHA-256 of the peer's leaf certificate. Empty
	// accepts any certificate the peer presents.
	PeerFingerprint []byte `mapstructure:"-"`
	// VerifyPeer, when set, sees the peer's fingerprint after pinning
	// passed; an error aborts the handshake.
	VerifyPeer func(fingerprint []byte) error `mapstructure:"-"`

	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	MaxIdleTimeout     time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod    time.Duration `mapstructure:"keep_alive_period"`
	MaxIncomingStreams int64         `mapstructure:"max_incoming_streams"`
	// QueueLen bounds the raw packet queues in each direction and the
	// number of streams waiting to be opened.
	QueueLen int `mapstructure:"queue_len"`
}

const (
	DefaultALPN       = "seclink/1"
	DefaultServerName = "seclink"
)

func (c Config) withDefaults() Config {
	if c.ALPN == "" {
		c.ALPN = DefaultALPN
	}
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 30 * time.Second
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = 10 * time.Second
	}
	if c.MaxIncomingStreams <= 0 {
		c.MaxIncomingStreams = 1024
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 1024
	}
	return c
}
