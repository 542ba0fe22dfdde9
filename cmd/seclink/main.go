// seclink: one peer of a secure message link over UDP or ICE. Messages are
// lines on stdin/stdout, or IP packets on a TUN device.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.seclink/internal/certs"
	"dev.c0redev.seclink/internal/config"
	"dev.c0redev.seclink/internal/engine"
	"dev.c0redev.seclink/internal/link"
	"dev.c0redev.seclink/internal/observability"
	"dev.c0redev.seclink/internal/seclink"
	"dev.c0redev.seclink/internal/store"
	"dev.c0redev.seclink/internal/tun"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "peers" {
		if err := peersMain(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("seclink exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	role := engine.Client
	if cfg.Role == "server" {
		role = engine.Server
	}

	certPEM, keyPEM, err := certs.LoadOrGeneratePEM(cfg.Identity.CertFile, cfg.Identity.KeyFile, "seclink "+cfg.Role)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	cert, err := certs.Parse(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	local := certs.Fingerprint(cert)
	fmt.Fprintf(os.Stderr, "fingerprint %s (%s)\n", certs.FormatFingerprint(local), certs.Words(local))

	peerFP, err := certs.ParseFingerprint(cfg.Identity.PeerFingerprint)
	if err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	conn, signalled, err := dial(ctx, cfg, role, local, stdin, log)
	if err != nil {
		return err
	}
	if peerFP == nil {
		peerFP = signalled
	}
	if peerFP == nil {
		log.Warn("no peer fingerprint pinned, any certificate is accepted")
	}

	ep := link.NewEndpoint(conn, link.Options{
		OutboundQueue: cfg.Link.OutboundQueue,
		InboundQueue:  cfg.Link.InboundQueue,
		MaxDatagram:   cfg.Link.MaxPacketSize,
		Logger:        log,
	})
	defer ep.Close()

	qc := cfg.QUIC
	qc.PeerFingerprint = peerFP
	var known *store.DB
	if cfg.Identity.KnownPeers != "" {
		known, err = store.Open(cfg.Identity.KnownPeers)
		if err != nil {
			return fmt.Errorf("known peers: %w", err)
		}
		defer known.Close()
		name := cfg.Identity.PeerName
		qc.VerifyPeer = func(fp []byte) error {
			if err := known.Trust(name, fp); err != nil {
				return err
			}
			log.Info("peer verified", zap.String("peer", name), zap.String("words", certs.Words(fp)))
			return nil
		}
	}
	sl, err := seclink.New(ep, role, certPEM, keyPEM, seclink.Config{
		MaxPacketSize:  cfg.Link.MaxPacketSize,
		MaxMessageSize: cfg.Link.MaxMessageSize,
		DeadlineFloor:  cfg.Link.DeadlineFloor,
		Logger:         log,
		QUIC:           qc,
	})
	if err != nil {
		return err
	}
	defer sl.Close()

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sl.Run(gctx)
		if err == nil && gctx.Err() == nil {
			err = errLinkEnded
		}
		return err
	})
	if cfg.StatsInterval > 0 {
		g.Go(func() error { return logStats(gctx, sl, ep, cfg.StatsInterval, log) })
	}
	switch cfg.Mode {
	case "tun":
		dev, err := tun.Open(cfg.TUN.Name)
		if err != nil {
			return err
		}
		defer dev.Close()
		log.Info("tun device up", zap.String("name", dev.Name()))
		g.Go(func() error { return tun.Bridge(gctx, dev, ep, cfg.TUN.MTU, log) })
	default:
		go func() {
			if err := sendLines(stdin, ep); err != nil {
				log.Debug("stdin", zap.Error(err))
			}
		}()
		g.Go(func() error { return printMessages(gctx, os.Stdout, ep) })
	}

	err = g.Wait()
	if known != nil {
		recordSession(known, cfg.Identity.PeerName, sl, started, log)
	}
	if errors.Is(err, errLinkEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func recordSession(db *store.DB, peer string, sl *seclink.SecureLink, started time.Time, log *zap.Logger) {
	st := sl.Stats()
	s := store.Session{
		Peer:              peer,
		LinkID:            sl.ID(),
		Started:           started,
		Ended:             time.Now(),
		MessagesSent:      st.MessagesSent,
		MessagesDelivered: st.MessagesDelivered,
		MessagesDropped:   st.MessagesDropped,
		MessagesAbandoned: st.MessagesAbandoned,
	}
	if err := sl.Err(); err != nil {
		s.Err = err.Error()
	}
	// Fails when the handshake never reached the peer check.
	if _, err := db.RecordSession(s); err != nil {
		log.Debug("session not recorded", zap.Error(err))
	}
}

var errLinkEnded = errors.New("secure link ended")

// dial opens the datagram transport. For ICE the local signal is printed
// on stderr and the peer's is read as one line from stdin; the fingerprint
// it carries is returned for pinning.
func dial(ctx context.Context, cfg *config.Config, role engine.Role, fp []byte, stdin *bufio.Reader, log *zap.Logger) (link.Conn, []byte, error) {
	if cfg.Transport == "udp" {
		c, err := link.ListenUDP(cfg.UDP.Listen, cfg.UDP.Peer)
		if err != nil {
			return nil, nil, err
		}
		log.Info("udp transport", zap.Stringer("local", c.LocalAddr()), zap.String("peer", cfg.UDP.Peer))
		return c, nil, nil
	}

	agent, err := link.NewICEAgent(link.ICEOptions{STUNURLs: cfg.ICE.STUN, Logger: log})
	if err != nil {
		return nil, nil, err
	}
	gctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sig, err := agent.LocalSignal(gctx)
	if err != nil {
		_ = agent.Close()
		return nil, nil, err
	}
	sig.Fingerprint = fp
	text, err := sig.Encode(cfg.ICE.Passphrase)
	if err != nil {
		_ = agent.Close()
		return nil, nil, err
	}
	fmt.Fprintf(os.Stderr, "local signal:\n%s\npaste peer signal:\n", text)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		_ = agent.Close()
		return nil, nil, fmt.Errorf("read peer signal: %w", err)
	}
	remote, err := link.DecodeSignal(strings.TrimSpace(line), cfg.ICE.Passphrase)
	if err != nil {
		_ = agent.Close()
		return nil, nil, err
	}
	conn, err := agent.Connect(ctx, role == engine.Client, remote)
	if err != nil {
		_ = agent.Close()
		return nil, nil, err
	}
	log.Info("ice connected")
	return conn, remote.Fingerprint, nil
}

func logStats(ctx context.Context, sl *seclink.SecureLink, ep *link.Endpoint, every time.Duration, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			log.Info("link stats",
				zap.String("state", sl.State().String()),
				zap.Object("stats", sl.Stats()),
				zap.Uint64("queue_dropped", ep.Dropped()),
				zap.Uint64("packets_lost", ep.PacketsLost()))
		}
	}
}
