package seclink

import (
	"fmt"

	"dev.c0redev.seclink/internal/certs"
	"dev.c0redev.seclink/internal/engine"
	"dev.c0redev.seclink/internal/quicengine"
)

// New builds a SecureLink over a QUIC engine using the PEM encoded
// certificate and key as this side's identity. The client starts the
// handshake as soon as Run sends its first packet.
func New(link Link, role engine.Role, certPEM, keyPEM []byte, cfg Config) (*SecureLink, error) {
	cert, err := certs.Parse(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	eng, err := quicengine.New(role, cert, cfg.QUIC, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("seclink: %w", err)
	}
	return NewWithEngine(link, role, eng, cfg), nil
}
