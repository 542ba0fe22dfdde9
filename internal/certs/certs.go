// Package certs manages the self-signed Ed25519 identity each peer presents
// during the handshake, and the fingerprints used to pin it.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dev.c0redev.seclink/internal/idwords"
)

// DefaultValidity of generated certificates.
const DefaultValidity = 10 * 365 * 24 * time.Hour

// Generate creates a self-signed certificate and PKCS#8 key, PEM encoded.
func Generate(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	if validFor <= 0 {
		validFor = DefaultValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: create: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// Parse loads a PEM pair into a tls.Certificate with Leaf set.
func Parse(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("certs: leaf: %w", err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// LoadOrGenerate reads the pair at certPath/keyPath, creating both when
// neither exists. The key file is written with mode 0600.
func LoadOrGenerate(certPath, keyPath, commonName string) (tls.Certificate, error) {
	certPEM, keyPEM, err := LoadOrGeneratePEM(certPath, keyPath, commonName)
	if err != nil {
		return tls.Certificate{}, err
	}
	return Parse(certPEM, keyPEM)
}

// LoadOrGeneratePEM is LoadOrGenerate returning the PEM blocks.
func LoadOrGeneratePEM(certPath, keyPath, commonName string) (certPEM, keyPEM []byte, err error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return certPEM, keyPEM, nil
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
	case certErr != nil:
		return nil, nil, certErr
	default:
		return nil, nil, keyErr
	}

	certPEM, keyPEM, err = Generate(commonName, DefaultValidity)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// Fingerprint is the SHA-256 of the leaf certificate's DER encoding.
func Fingerprint(cert tls.Certificate) []byte {
	if len(cert.Certificate) == 0 {
		return nil
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return sum[:]
}

// FormatFingerprint renders fp as lowercase hex.
func FormatFingerprint(fp []byte) string {
	return hex.EncodeToString(fp)
}

// ParseFingerprint accepts hex with optional ":" separators.
func ParseFingerprint(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if s == "" {
		return nil, nil
	}
	fp, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("certs: fingerprint: %w", err)
	}
	if len(fp) != sha256.Size {
		return nil, fmt.Errorf("certs: fingerprint must be %d bytes, got %d", sha256.Size, len(fp))
	}
	return fp, nil
}

// Words is the short human-readable form of fp.
func Words(fp []byte) string {
	return idwords.Encode(fp, idwords.Count)
}
