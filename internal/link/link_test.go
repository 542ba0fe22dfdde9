package link

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointDropsOldestOutbound(t *testing.T) {
	a, _ := Pipe(PipeOptions{})
	e := NewEndpoint(a, Options{OutboundQueue: 2})
	defer e.Close()

	for _, m := range []string{"one", "two", "three"} {
		_, err := e.Send([]byte(m))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), e.Dropped())

	ctx := context.Background()
	got, err := e.NextOutboundMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
	got, err = e.NextOutboundMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), got)
}

func TestEndpointNextOutboundBlocksUntilSend(t *testing.T) {
	a, _ := Pipe(PipeOptions{})
	e := NewEndpoint(a, Options{})
	defer e.Close()

	got := make(chan []byte, 1)
	go func() {
		msg, err := e.NextOutboundMessage(context.Background())
		if err == nil {
			got <- msg
		}
	}()
	time.Sleep(10 * time.Millisecond)
	_, err := e.Send([]byte("late"))
	require.NoError(t, err)
	select {
	case msg := <-got:
		assert.Equal(t, []byte("late"), msg)
	case <-time.After(time.Second):
		t.Fatal("NextOutboundMessage did not wake")
	}
}

func TestEndpointPacketsCrossPipe(t *testing.T) {
	a, b := Pipe(PipeOptions{})
	ea, eb := NewEndpoint(a, Options{}), NewEndpoint(b, Options{})
	defer ea.Close()
	defer eb.Close()

	require.NoError(t, ea.SendPacket([]byte("pkt")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := eb.NextPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pkt"), got)
}

func TestEndpointDeliverReceive(t *testing.T) {
	a, _ := Pipe(PipeOptions{})
	e := NewEndpoint(a, Options{})
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.DeliverInboundMessage(ctx, []byte("m")))
	got, err := e.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), got)
}

func TestEndpointCloseUnblocks(t *testing.T) {
	a, _ := Pipe(PipeOptions{})
	e := NewEndpoint(a, Options{})

	errs := make(chan error, 2)
	go func() { _, err := e.NextPacket(context.Background()); errs <- err }()
	go func() { _, err := e.NextOutboundMessage(context.Background()); errs <- err }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Close())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("blocked after Close")
		}
	}
	_, err := e.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEndpointPeerCloseEndsNextPacket(t *testing.T) {
	a, b := Pipe(PipeOptions{})
	e := NewEndpoint(a, Options{})
	defer e.Close()
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.NextPacket(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeLoss(t *testing.T) {
	n := 0
	a, b := Pipe(PipeOptions{Drop: func([]byte) bool { n++; return n%2 == 0 }})
	for i := 0; i < 4; i++ {
		_, err := a.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(4), a.Sent())
	assert.Equal(t, uint64(2), a.Lost())

	buf := make([]byte, 1)
	for _, want := range []byte{0, 2} {
		_, err := b.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, want, buf[0])
	}
}

func TestUDPConnLearnsPeer(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0", "")
	require.NoError(t, err)
	defer server.Close()
	client, err := ListenUDP("127.0.0.1:0", server.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	assert.Nil(t, server.Peer())
	n, err := server.Write([]byte("before peer"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, client.LocalAddr().String(), server.Peer().String())

	_, err = server.Write([]byte("reply"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestSignalRoundTrip(t *testing.T) {
	s := Signal{
		Ufrag:       "ufrag",
		Pwd:         "pwd",
		Candidates:  []string{"candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"},
		Fingerprint: []byte{1, 2, 3},
	}

	plain, err := s.Encode("")
	require.NoError(t, err)
	got, err := DecodeSignal(plain, "")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	sealed, err := s.Encode("correct horse")
	require.NoError(t, err)
	got, err = DecodeSignal(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeSignal(sealed, "wrong")
	assert.ErrorIs(t, err, ErrPassphrase)
	_, err = DecodeSignal(sealed, "")
	assert.ErrorIs(t, err, ErrPassphrase)
	_, err = DecodeSignal("garbage", "")
	assert.ErrorIs(t, err, ErrSignalFormat)
	_, err = DecodeSignal(plainPrefix+"!!!", "")
	assert.ErrorIs(t, err, ErrSignalFormat)
}

// Needs a non-loopback interface; opt in with SECLINK_ICE_TEST=1.
func TestICEConnect(t *testing.T) {
	if os.Getenv("SECLINK_ICE_TEST") == "" {
		t.Skip("set SECLINK_ICE_TEST=1 to run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewICEAgent(ICEOptions{})
	require.NoError(t, err)
	b, err := NewICEAgent(ICEOptions{})
	require.NoError(t, err)
	sa, err := a.LocalSignal(ctx)
	require.NoError(t, err)
	sb, err := b.LocalSignal(ctx)
	require.NoError(t, err)

	type result struct {
		conn Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := b.Connect(ctx, false, sa)
		accepted <- result{c, err}
	}()
	ca, err := a.Connect(ctx, true, sb)
	require.NoError(t, err)
	defer ca.Close()
	rb := <-accepted
	require.NoError(t, rb.err)
	defer rb.conn.Close()

	_, err = ca.Write([]byte("ice"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := rb.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ice", string(buf[:n]))
}
