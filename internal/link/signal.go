package link

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"dev.c0redev.seclink/internal/crypto"
)

// Signal is what two peers exchange out of band before an ICE link can
// form: credentials, candidates and the certificate fingerprint to pin.
type Signal struct {
	Ufrag       string   `cbor:"1,keyasint"`
	Pwd         string   `cbor:"2,keyasint"`
	Candidates  []string `cbor:"3,keyasint"`
	Fingerprint []byte   `cbor:"4,keyasint,omitempty"`
}

const (
	plainPrefix  = "sl1."
	sealedPrefix = "sls1."
)

var (
	signalKeyInfo = []byte("seclink signal v1")
	signalAD      = []byte(sealedPrefix)

	ErrSignalFormat = errors.New("link: malformed signal")
	ErrPassphrase   = errors.New("link: signal is sealed; wrong or missing passphrase")
)

var signalEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode renders s as one copy-pasteable line. A non-empty passphrase
// seals the blob so only someone who knows it can read or alter it.
func (s Signal) Encode(passphrase string) (string, error) {
	data, err := signalEnc.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("link: encode signal: %w", err)
	}
	if passphrase == "" {
		return plainPrefix + base64.RawURLEncoding.EncodeToString(data), nil
	}
	key, err := crypto.DeriveKey([]byte(passphrase), signalKeyInfo)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(key, data, signalAD)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeSignal reverses Encode.
func DecodeSignal(text, passphrase string) (Signal, error) {
	text = strings.TrimSpace(text)
	var raw string
	var sealed bool
	switch {
	case strings.HasPrefix(text, sealedPrefix):
		raw, sealed = text[len(sealedPrefix):], true
	case strings.HasPrefix(text, plainPrefix):
		raw = text[len(plainPrefix):]
	default:
		return Signal{}, ErrSignalFormat
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrSignalFormat, err)
	}
	if sealed {
		if passphrase == "" {
			return Signal{}, ErrPassphrase
		}
		key, err := crypto.DeriveKey([]byte(passphrase), signalKeyInfo)
		if err != nil {
			return Signal{}, err
		}
		if data, err = crypto.Open(key, data, signalAD); err != nil {
			return Signal{}, ErrPassphrase
		}
	}
	var s Signal
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrSignalFormat, err)
	}
	return s, nil
}
