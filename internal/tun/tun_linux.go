//go:build linux

package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// Device is a TUN interface (Linux, CAP_NET_ADMIN or root). Each Read and
// Write moves one IP packet.
type Device struct {
	ifce *water.Interface
}

// Open creates a TUN device; an empty name lets the OS pick tun0, tun1, ...
func Open(name string) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tun: open %q: %w", name, err)
	}
	return &Device{ifce: ifce}, nil
}

func (d *Device) Read(p []byte) (int, error)  { return d.ifce.Read(p) }
func (d *Device) Write(p []byte) (int, error) { return d.ifce.Write(p) }
func (d *Device) Close() error                { return d.ifce.Close() }

// Name returns the interface name (e.g. tun0).
func (d *Device) Name() string { return d.ifce.Name() }
