//go:build !linux

package tun

// Device is unavailable outside Linux.
type Device struct{}

// Open always fails with ErrUnsupported.
func Open(name string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (d *Device) Write(p []byte) (int, error) { return 0, ErrUnsupported }
func (d *Device) Close() error                { return nil }
func (d *Device) Name() string                { return "" }
