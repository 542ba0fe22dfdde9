package quicengine

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"dev.c0redev.seclink/internal/engine"
)

// ErrFingerprintMismatch: the peer's certificate is not the pinned one.
var ErrFingerprintMismatch = errors.New("quicengine: peer certificate fingerprint mismatch")

// tlsConfig builds a TLS 1.3 config with mutual authentication. Peers use
// self-signed certificates, so chain verification is replaced by
// verifyPeer.
func tlsConfig(role engine.Role, cert tls.Certificate, cfg Config) *tls.Config {
	c := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{cfg.ALPN},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer(cfg.PeerFingerprint, cfg.VerifyPeer),
	}
	if role == engine.Server {
		c.ClientAuth = tls.RequireAnyClientCert
	} else {
		c.ServerName = cfg.ServerName
	}
	return c
}

func verifyPeer(pinned []byte, check func([]byte) error) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("quicengine: peer sent no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("quicengine: peer certificate: %w", err)
		}
		now := time.Now()
		if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
			return fmt.Errorf("quicengine: peer certificate not valid at %s", now.Format(time.RFC3339))
		}
		sum := sha256.Sum256(rawCerts[0])
		if len(pinned) > 0 && subtle.ConstantTimeCompare(sum[:], pinned) != 1 {
			return ErrFingerprintMismatch
		}
		if check != nil {
			if err := check(sum[:]); err != nil {
				return fmt.Errorf("quicengine: peer rejected: %w", err)
			}
		}
		return nil
	}
}
