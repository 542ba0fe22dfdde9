// Package tun carries IP packets between a TUN device and a secure link,
// one packet per message. A lost or superseded packet is left to the
// protocols above IP.
package tun

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnsupported is returned by Open where TUN devices are unavailable.
var ErrUnsupported = errors.New("tun: only supported on Linux")

// Messages is the application side of a secure link endpoint.
type Messages interface {
	Send(msg []byte) (dropped bool, err error)
	Receive(ctx context.Context) ([]byte, error)
}

// Bridge copies packets read from dev into msgs and received messages back
// into dev until ctx ends or either side fails. dev is closed on return so
// a blocked Read is released.
func Bridge(ctx context.Context, dev io.ReadWriteCloser, msgs Messages, mtu int, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if mtu <= 0 {
		mtu = 1500
	}
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		_ = dev.Close()
	}()

	g.Go(func() error {
		buf := make([]byte, mtu)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if n == 0 {
				continue
			}
			dropped, err := msgs.Send(append([]byte(nil), buf[:n]...))
			if err != nil {
				return err
			}
			if dropped {
				log.Debug("outbound queue full, oldest packet dropped")
			}
		}
	})
	g.Go(func() error {
		for {
			pkt, err := msgs.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(pkt) > mtu {
				log.Warn("inbound packet exceeds mtu", zap.Int("size", len(pkt)), zap.Int("mtu", mtu))
				continue
			}
			if _, err := dev.Write(pkt); err != nil {
				return err
			}
		}
	})
	err := g.Wait()
	_ = dev.Close()
	return err
}
