package tun

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDevice struct {
	reads  chan []byte
	writes chan []byte

	once   sync.Once
	closed chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{reads: make(chan []byte, 8), writes: make(chan []byte, 8), closed: make(chan struct{})}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.reads:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

type fakeMessages struct {
	sent     chan []byte
	incoming chan []byte
}

func (m *fakeMessages) Send(msg []byte) (bool, error) {
	m.sent <- msg
	return false, nil
}

func (m *fakeMessages) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-m.incoming:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func next(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func TestBridgeCopiesBothWays(t *testing.T) {
	dev := newFakeDevice()
	msgs := &fakeMessages{sent: make(chan []byte, 8), incoming: make(chan []byte, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Bridge(ctx, dev, msgs, 64, zaptest.NewLogger(t)) }()

	dev.reads <- []byte{0x45, 1, 2, 3}
	assert.Equal(t, []byte{0x45, 1, 2, 3}, next(t, msgs.sent))

	msgs.incoming <- make([]byte, 100)
	msgs.incoming <- []byte{0x45, 9}
	assert.Equal(t, []byte{0x45, 9}, next(t, dev.writes), "oversized packet skipped")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Bridge did not return")
	}
	select {
	case <-dev.closed:
	default:
		t.Fatal("device left open after Bridge returned")
	}
}

func TestBridgeDeviceFailure(t *testing.T) {
	dev := newFakeDevice()
	msgs := &fakeMessages{sent: make(chan []byte, 8), incoming: make(chan []byte, 8)}
	require.NoError(t, dev.Close())
	err := Bridge(context.Background(), dev, msgs, 0, nil)
	assert.ErrorIs(t, err, io.EOF)
}
