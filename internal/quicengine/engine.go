// Package quicengine runs quic-go behind the engine.Engine contract. quic-go
// owns its own goroutines and timers, so the adapter feeds it through a
// virtual net.PacketConn and turns its blocking stream API into the
// non-blocking calls the secure link expects. Every asynchronous change is
// signalled on Notify.
package quicengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"dev.c0redev.seclink/internal/crypto"
	"dev.c0redev.seclink/internal/engine"
)

const (
	codeNormal quic.ApplicationErrorCode = 0
	codeStale  quic.StreamErrorCode      = 1
	codeAbort  quic.StreamErrorCode      = 2

	readChunk = 16 << 10
)

// ErrBufferTooSmall: Produce was given a buffer shorter than the next packet.
var ErrBufferTooSmall = errors.New("quicengine: buffer smaller than packet")

var resetKeyInfo = []byte("seclink quic stateless reset v1")

// Engine is a QUIC connection to exactly one peer.
type Engine struct {
	role  engine.Role
	cfg   Config
	log   *zap.Logger
	pconn *packetConn
	tr    *quic.Transport

	ctx    context.Context
	cancel context.CancelFunc
	opens  chan *sendStream
	notify chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	conn     *quic.Conn
	connErr  error
	graceful bool
	closed   bool
	sends    map[engine.StreamID]*sendStream
	recvs    map[engine.StreamID]*recvStream
}

// New starts the handshake for role. The client dials immediately; the
// server waits for the client's first packet.
func New(role engine.Role, cert tls.Certificate, cfg Config, log *zap.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	var key quic.StatelessResetKey
	der, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("quicengine: private key: %w", err)
	}
	derived, err := crypto.DeriveKey(der, resetKeyInfo)
	if err != nil {
		return nil, err
	}
	copy(key[:], derived)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		role:   role,
		cfg:    cfg,
		log:    log.Named("quic"),
		ctx:    ctx,
		cancel: cancel,
		opens:  make(chan *sendStream, cfg.QueueLen),
		notify: make(chan struct{}, 1),
		sends:  make(map[engine.StreamID]*sendStream),
		recvs:  make(map[engine.StreamID]*recvStream),
	}
	e.pconn = newPacketConn(cfg.QueueLen, e.signal)
	e.tr = &quic.Transport{Conn: e.pconn, StatelessResetKey: &key}

	tlsConf := tlsConfig(role, cert, cfg)
	quicConf := &quic.Config{
		HandshakeIdleTimeout:    cfg.HandshakeTimeout,
		MaxIdleTimeout:          cfg.MaxIdleTimeout,
		KeepAlivePeriod:         cfg.KeepAlivePeriod,
		MaxIncomingStreams:      -1,
		MaxIncomingUniStreams:   cfg.MaxIncomingStreams,
		DisablePathMTUDiscovery: true,
	}
	if role == engine.Server {
		ln, err := e.tr.Listen(tlsConf, quicConf)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("quicengine: listen: %w", err)
		}
		e.start(func(ctx context.Context) (*quic.Conn, error) {
			defer ln.Close()
			return ln.Accept(ctx)
		})
	} else {
		e.start(func(ctx context.Context) (*quic.Conn, error) {
			return e.tr.Dial(ctx, peerAddr, tlsConf, quicConf)
		})
	}
	return e, nil
}

func (e *Engine) start(connect func(context.Context) (*quic.Conn, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		conn, err := connect(e.ctx)
		if err != nil {
			e.terminate(fmt.Errorf("handshake: %w", err))
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = conn.CloseWithError(codeNormal, "")
			return
		}
		e.conn = conn
		e.mu.Unlock()
		state := conn.ConnectionState().TLS
		e.log.Debug("handshake complete",
			zap.String("alpn", state.NegotiatedProtocol),
			zap.Uint16("tls_version", state.Version))
		e.signal()

		e.wg.Add(3)
		go func() { defer e.wg.Done(); e.openLoop(conn) }()
		go func() { defer e.wg.Done(); e.acceptLoop(conn) }()
		go func() {
			defer e.wg.Done()
			<-conn.Context().Done()
			e.terminate(context.Cause(conn.Context()))
		}()
	}()
}

// terminate records why the connection ended. Only the first cause counts.
func (e *Engine) terminate(cause error) {
	e.mu.Lock()
	if e.connErr == nil {
		e.connErr = cause
		if cause == nil {
			e.connErr = io.EOF
		}
		e.graceful = isGraceful(cause)
		e.log.Debug("connection ended", zap.Bool("graceful", e.graceful), zap.Error(cause))
	}
	e.mu.Unlock()
	e.signal()
}

func isGraceful(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == codeNormal
	}
	return err == nil || errors.Is(err, context.Canceled)
}

func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Ingest implements engine.Engine. A full inbound queue drops the packet.
func (e *Engine) Ingest(pkt []byte) error {
	if !e.pconn.push(pkt) {
		return engine.ErrDone
	}
	return nil
}

// Produce implements engine.Engine.
func (e *Engine) Produce(buf []byte) (int, error) {
	if pkt, ok := e.pconn.pop(); ok {
		if len(buf) < len(pkt) {
			return 0, engine.Fatal(fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(buf), len(pkt)))
		}
		return copy(buf, pkt), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.connErr == nil:
		return 0, engine.ErrWouldBlock
	case e.graceful:
		return 0, engine.ErrClosed
	default:
		return 0, engine.Fatal(e.connErr)
	}
}

// StreamWrite implements engine.Engine. Data is handed to a per-stream
// writer goroutine, so the whole of p is always accepted unless the stream
// already finished or too many streams are waiting to open.
func (e *Engine) StreamWrite(id engine.StreamID, p []byte, fin bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connStatusLocked(); err != nil {
		return 0, err
	}
	s, ok := e.sends[id]
	if !ok {
		s = newSendStream(id)
		select {
		case e.opens <- s:
		default:
			return 0, &engine.StreamError{ID: id, Err: errors.New("open queue full")}
		}
		e.sends[id] = s
	}
	if err := s.push(p, fin); err != nil {
		return 0, &engine.StreamError{ID: id, Err: err}
	}
	return len(p), nil
}

func (e *Engine) connStatusLocked() error {
	switch {
	case e.closed:
		return engine.ErrClosed
	case e.connErr == nil:
		return nil
	case e.graceful:
		return engine.ErrClosed
	default:
		return engine.Fatal(e.connErr)
	}
}

// StreamRead implements engine.Engine.
func (e *Engine) StreamRead(id engine.StreamID, buf []byte) (int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.recvs[id]
	if !ok {
		return 0, false, engine.ErrWouldBlock
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case len(r.buf) > 0:
		n := copy(buf, r.buf)
		r.buf = r.buf[n:]
		fin := r.fin && len(r.buf) == 0
		if fin {
			delete(e.recvs, id)
		}
		return n, fin, nil
	case r.fin:
		delete(e.recvs, id)
		return 0, true, nil
	case r.err != nil:
		delete(e.recvs, id)
		if err := e.connStatusLocked(); err != nil {
			return 0, false, err
		}
		return 0, false, &engine.StreamError{ID: id, Err: r.err}
	default:
		return 0, false, engine.ErrWouldBlock
	}
}

// CancelRead implements engine.Engine.
func (e *Engine) CancelRead(id engine.StreamID) {
	e.mu.Lock()
	r, ok := e.recvs[id]
	delete(e.recvs, id)
	e.mu.Unlock()
	if ok {
		r.qs.CancelRead(codeStale)
	}
}

// CancelWrite implements engine.Engine.
func (e *Engine) CancelWrite(id engine.StreamID) {
	e.mu.Lock()
	s, ok := e.sends[id]
	e.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Readable implements engine.Engine.
func (e *Engine) Readable() []engine.StreamID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []engine.StreamID
	for id, r := range e.recvs {
		if r.ready() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// NextDeadline implements engine.Engine; quic-go runs its own timers.
func (e *Engine) NextDeadline() (time.Duration, bool) { return 0, false }

// AdvanceDeadline implements engine.Engine.
func (e *Engine) AdvanceDeadline() {}

// Notify implements engine.Engine.
func (e *Engine) Notify() <-chan struct{} { return e.notify }

// Close implements engine.Engine. The connection is closed with the normal
// application code, so the peer sees a graceful close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.mu.Unlock()

	e.cancel()
	if conn != nil {
		_ = conn.CloseWithError(codeNormal, "closing")
	}
	_ = e.pconn.Close()
	err := e.tr.Close()
	e.wg.Wait()
	e.terminate(nil)
	return err
}

// openLoop opens one QUIC stream per queued message, in StreamWrite order.
func (e *Engine) openLoop(conn *quic.Conn) {
	for {
		var s *sendStream
		select {
		case <-e.ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case s = <-e.opens:
		}
		if s.canceled() {
			e.forget(s.id)
			continue
		}
		qs, err := conn.OpenUniStreamSync(e.ctx)
		if err != nil {
			e.log.Debug("open stream", zap.Uint64("stream_id", uint64(s.id)), zap.Error(err))
			e.forget(s.id)
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.forget(s.id)
			if err := s.run(e.ctx, qs); err != nil {
				e.log.Debug("stream write", zap.Uint64("stream_id", uint64(s.id)), zap.Error(err))
			}
		}()
	}
}

func (e *Engine) forget(id engine.StreamID) {
	e.mu.Lock()
	delete(e.sends, id)
	e.mu.Unlock()
}

func (e *Engine) acceptLoop(conn *quic.Conn) {
	for {
		qs, err := conn.AcceptUniStream(e.ctx)
		if err != nil {
			return
		}
		r := &recvStream{qs: qs}
		id := engine.StreamID(qs.StreamID())
		e.mu.Lock()
		e.recvs[id] = r
		e.mu.Unlock()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.readLoop(e.signal)
		}()
	}
}

type recvStream struct {
	qs *quic.ReceiveStream

	mu  sync.Mutex
	buf []byte
	fin bool
	err error
}

func (r *recvStream) ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) > 0 || r.fin || r.err != nil
}

func (r *recvStream) readLoop(signal func()) {
	chunk := make([]byte, readChunk)
	for {
		n, err := r.qs.Read(chunk)
		r.mu.Lock()
		r.buf = append(r.buf, chunk[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			r.fin = true
		case err != nil:
			r.err = err
		}
		r.mu.Unlock()
		if n > 0 || err != nil {
			signal()
		}
		if err != nil {
			return
		}
	}
}

type sendStream struct {
	id   engine.StreamID
	wake chan struct{}

	mu      sync.Mutex
	chunks  [][]byte
	fin     bool
	aborted bool
}

func newSendStream(id engine.StreamID) *sendStream {
	return &sendStream{id: id, wake: make(chan struct{}, 1)}
}

func (s *sendStream) push(p []byte, fin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fin || s.aborted {
		return errors.New("write after end of stream")
	}
	if len(p) > 0 {
		s.chunks = append(s.chunks, append([]byte(nil), p...))
	}
	s.fin = fin
	s.poke()
	return nil
}

func (s *sendStream) cancel() {
	s.mu.Lock()
	s.aborted = true
	s.chunks = nil
	s.mu.Unlock()
	s.poke()
}

func (s *sendStream) canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *sendStream) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run copies queued chunks to qs until the stream is finished or aborted.
func (s *sendStream) run(ctx context.Context, qs *quic.SendStream) error {
	for {
		s.mu.Lock()
		chunks, fin, aborted := s.chunks, s.fin, s.aborted
		s.chunks = nil
		s.mu.Unlock()

		if aborted {
			qs.CancelWrite(codeAbort)
			return nil
		}
		for _, c := range chunks {
			if _, err := qs.Write(c); err != nil {
				qs.CancelWrite(codeAbort)
				return err
			}
		}
		if fin {
			return qs.Close()
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			qs.CancelWrite(codeAbort)
			return ctx.Err()
		}
	}
}

var _ engine.Engine = (*Engine)(nil)
