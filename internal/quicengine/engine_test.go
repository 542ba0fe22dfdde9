package quicengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.seclink/internal/certs"
	"dev.c0redev.seclink/internal/engine"
)

func newCert(t *testing.T, name string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := certs.Generate(name, 0)
	require.NoError(t, err)
	cert, err := certs.Parse(certPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

// pump moves packets between two engines until ctx ends.
func pump(ctx context.Context, a, b *Engine) *sync.WaitGroup {
	var wg sync.WaitGroup
	move := func(from, to *Engine) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			for {
				n, err := from.Produce(buf)
				if err != nil {
					break
				}
				_ = to.Ingest(buf[:n])
			}
			select {
			case <-ctx.Done():
				return
			case <-from.Notify():
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	wg.Add(2)
	go move(a, b)
	go move(b, a)
	return &wg
}

type pair struct {
	client, server *Engine
	stop           func()
}

func newPair(t *testing.T, clientCfg, serverCfg Config) *pair {
	t.Helper()
	server, err := New(engine.Server, newCert(t, "server"), serverCfg, nil)
	require.NoError(t, err)
	client, err := New(engine.Client, newCert(t, "client"), clientCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wg := pump(ctx, client, server)
	p := &pair{client: client, server: server}
	p.stop = func() {
		cancel()
		wg.Wait()
		_ = client.Close()
		_ = server.Close()
	}
	t.Cleanup(p.stop)
	return p
}

func readMessage(t *testing.T, e *Engine, id engine.StreamID) []byte {
	t.Helper()
	var out []byte
	var readErr error
	buf := make([]byte, 1000)
	require.Eventually(t, func() bool {
		for {
			n, fin, err := e.StreamRead(id, buf)
			if err == engine.ErrWouldBlock {
				return false
			}
			if err != nil {
				readErr = err
				return true
			}
			out = append(out, buf[:n]...)
			if fin {
				return true
			}
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, readErr)
	return out
}

func TestEngineStreamRoundTrip(t *testing.T) {
	p := newPair(t, Config{}, Config{})

	first := engine.FirstUniStreamID(engine.Client)
	msg := bytes.Repeat([]byte("quic "), 3000)
	n, err := p.client.StreamWrite(first, msg, true)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	require.Eventually(t, func() bool {
		return len(p.server.Readable()) > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []engine.StreamID{first}, p.server.Readable())
	assert.Equal(t, msg, readMessage(t, p.server, first))

	reply := []byte("ack")
	_, err = p.server.StreamWrite(engine.FirstUniStreamID(engine.Server), reply, true)
	require.NoError(t, err)
	assert.Equal(t, reply, readMessage(t, p.client, engine.FirstUniStreamID(engine.Server)))

	d, ok := p.client.NextDeadline()
	assert.False(t, ok)
	assert.Zero(t, d)
}

func TestEngineStreamIDsFollowWriteOrder(t *testing.T) {
	p := newPair(t, Config{}, Config{})
	alloc := engine.NewAllocator(engine.Client)
	var ids []engine.StreamID
	for i := 0; i < 5; i++ {
		id := alloc.Allocate()
		ids = append(ids, id)
		_, err := p.client.StreamWrite(id, []byte{byte(i)}, true)
		require.NoError(t, err)
	}
	for i, id := range ids {
		assert.Equal(t, []byte{byte(i)}, readMessage(t, p.server, id))
	}
}

func TestEngineWriteAfterFinIsStreamError(t *testing.T) {
	p := newPair(t, Config{}, Config{})
	id := engine.FirstUniStreamID(engine.Client)
	_, err := p.client.StreamWrite(id, []byte("a"), true)
	require.NoError(t, err)
	_, err = p.client.StreamWrite(id, []byte("b"), true)
	var se *engine.StreamError
	require.ErrorAs(t, err, &se)
	assert.False(t, engine.IsFatal(err))
}

func TestEngineCancelWriteResetsPeer(t *testing.T) {
	p := newPair(t, Config{}, Config{})
	id := engine.FirstUniStreamID(engine.Client)
	_, err := p.client.StreamWrite(id, []byte("partial"), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(p.server.Readable()) > 0
	}, 5*time.Second, 5*time.Millisecond)
	p.client.CancelWrite(id)

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		_, _, err := p.server.StreamRead(id, buf)
		var se *engine.StreamError
		return errors.As(err, &se) && se.ID == id
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineFingerprintPinning(t *testing.T) {
	serverCert := newCert(t, "server")
	clientCert := newCert(t, "client")

	server, err := New(engine.Server, serverCert, Config{PeerFingerprint: certs.Fingerprint(clientCert)}, nil)
	require.NoError(t, err)
	client, err := New(engine.Client, clientCert, Config{PeerFingerprint: certs.Fingerprint(serverCert)}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	wg := pump(ctx, client, server)
	defer func() { cancel(); wg.Wait(); client.Close(); server.Close() }()

	id := engine.FirstUniStreamID(engine.Client)
	_, err = client.StreamWrite(id, []byte("pinned"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("pinned"), readMessage(t, server, id))
}

func TestEngineFingerprintMismatchIsFatal(t *testing.T) {
	wrong := newCert(t, "impostor")
	p := newPair(t, Config{PeerFingerprint: certs.Fingerprint(wrong)}, Config{})

	require.Eventually(t, func() bool {
		_, err := p.client.Produce(make([]byte, 4096))
		return engine.IsFatal(err)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineVerifyPeerHook(t *testing.T) {
	var seen [][]byte
	var mu sync.Mutex
	p := newPair(t, Config{VerifyPeer: func(fp []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, append([]byte(nil), fp...))
		return nil
	}}, Config{})
	id := engine.FirstUniStreamID(engine.Client)
	_, err := p.client.StreamWrite(id, []byte("checked"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("checked"), readMessage(t, p.server, id))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 32)
}

func TestEngineVerifyPeerRejectionIsFatal(t *testing.T) {
	p := newPair(t, Config{}, Config{VerifyPeer: func([]byte) error { return errors.New("unknown peer") }})
	require.Eventually(t, func() bool {
		_, err := p.client.Produce(make([]byte, 4096))
		return engine.IsFatal(err)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineCloseIsGracefulForPeer(t *testing.T) {
	p := newPair(t, Config{}, Config{})
	id := engine.FirstUniStreamID(engine.Client)
	_, err := p.client.StreamWrite(id, []byte("hi"), true)
	require.NoError(t, err)
	readMessage(t, p.server, id)

	require.NoError(t, p.client.Close())
	require.Eventually(t, func() bool {
		_, err := p.server.Produce(make([]byte, 4096))
		return err == engine.ErrClosed
	}, 5*time.Second, 5*time.Millisecond)

	_, err = p.client.StreamWrite(id+4, []byte("late"), true)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestEngineProduceBufferTooSmall(t *testing.T) {
	client, err := New(engine.Client, newCert(t, "client"), Config{}, nil)
	require.NoError(t, err)
	defer client.Close()

	// The client's first Initial is at least 1200 bytes.
	require.Eventually(t, func() bool {
		select {
		case <-client.Notify():
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	_, err = client.Produce(make([]byte, 100))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	assert.True(t, engine.IsFatal(err))
}
