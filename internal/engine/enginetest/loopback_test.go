package enginetest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.seclink/internal/engine"
)

// shuttle moves every packet a produces into b.
func shuttle(t *testing.T, a, b *Loopback, mtu int) int {
	t.Helper()
	buf := make([]byte, mtu)
	count := 0
	for {
		n, err := a.Produce(buf)
		if err == engine.ErrWouldBlock {
			return count
		}
		require.NoError(t, err)
		require.LessOrEqual(t, n, mtu)
		require.NoError(t, b.Ingest(buf[:n]))
		count++
	}
}

func readAll(t *testing.T, e *Loopback, id engine.StreamID) ([]byte, bool) {
	t.Helper()
	var out []byte
	buf := make([]byte, 100)
	for {
		n, fin, err := e.StreamRead(id, buf)
		if err == engine.ErrWouldBlock {
			return out, false
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
		if fin {
			return out, true
		}
	}
}

func TestLoopbackMultiPacketStream(t *testing.T) {
	const mtu = 64
	a, b := NewLoopback(mtu), NewLoopback(mtu)
	msg := bytes.Repeat([]byte("0123456789"), 50)

	n, err := a.StreamWrite(2, msg, true)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	packets := shuttle(t, a, b, mtu)
	assert.Greater(t, packets, 1)
	assert.Equal(t, []engine.StreamID{2}, b.Readable())

	got, fin := readAll(t, b, 2)
	assert.True(t, fin)
	assert.Equal(t, msg, got)
	assert.Empty(t, b.Readable())
}

func TestLoopbackEmptyFinishedStream(t *testing.T) {
	a, b := NewLoopback(64), NewLoopback(64)
	_, err := a.StreamWrite(6, nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, shuttle(t, a, b, 64))
	n, fin, err := b.StreamRead(6, make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, fin)
}

func TestLoopbackCancelReadStopsSender(t *testing.T) {
	const mtu = 32
	a, b := NewLoopback(mtu), NewLoopback(mtu)
	_, err := a.StreamWrite(2, bytes.Repeat([]byte{1}, 200), true)
	require.NoError(t, err)

	// Deliver one packet, then cancel on the receiving side.
	buf := make([]byte, mtu)
	n, err := a.Produce(buf)
	require.NoError(t, err)
	require.NoError(t, b.Ingest(buf[:n]))
	b.CancelRead(2)
	assert.Empty(t, b.Readable())

	shuttle(t, b, a, mtu)
	n, err = a.Produce(buf)
	assert.Equal(t, engine.ErrWouldBlock, err)
	assert.Zero(t, n)
}

func TestLoopbackCancelWriteResetsReceiver(t *testing.T) {
	a, b := NewLoopback(64), NewLoopback(64)
	_, err := a.StreamWrite(2, []byte("partial"), false)
	require.NoError(t, err)
	a.CancelWrite(2)
	shuttle(t, a, b, 64)

	require.Equal(t, []engine.StreamID{2}, b.Readable())
	_, _, err = b.StreamRead(2, make([]byte, 16))
	var se *engine.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, engine.StreamID(2), se.ID)
	assert.False(t, engine.IsFatal(err))
}

func TestLoopbackGarbageIsBenign(t *testing.T) {
	b := NewLoopback(64)
	assert.ErrorIs(t, b.Ingest([]byte{0xff, 1, 2}), engine.ErrDone)
}

func TestLoopbackProduceBufferTooSmall(t *testing.T) {
	a := NewLoopback(64)
	_, err := a.StreamWrite(2, []byte("x"), true)
	require.NoError(t, err)
	_, err = a.Produce(make([]byte, 10))
	assert.True(t, engine.IsFatal(err))
}

func TestLoopbackClosedDrainsThenCloses(t *testing.T) {
	a := NewLoopback(64)
	_, err := a.StreamWrite(2, []byte("x"), true)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	buf := make([]byte, 64)
	_, err = a.Produce(buf)
	require.NoError(t, err)
	_, err = a.Produce(buf)
	assert.Equal(t, engine.ErrClosed, err)
}
