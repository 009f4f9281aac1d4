// Package tundev creates and wraps the kernel TUN interface used by
// internal/device. It calls golang.zx2c4.com/wireguard/tun directly for
// the file-descriptor-level device rather than wireguard-go's full
// device.Device — internal/peer drives our own Noise state machine, so
// only the raw packet read/write surface is needed. Grounded on
// internal/tunnel/tun_linux.go (platform default interface name) and
// internal/tunnel/iface.go/netlink.go for the IP/route setup this package
// performs once the interface exists.
package tundev

import (
	"fmt"
	"log/slog"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/linkmesh/internal/tunnel"
)

// Tun is the packet-at-a-time surface internal/device needs; satisfied by
// *Device here and by a fake in tests.
type Tun interface {
	ReadPacket() ([]byte, error)
	WritePacket(b []byte) error
	Close() error
}

// Device wraps a golang.zx2c4.com/wireguard/tun.Device, translating its
// batch-oriented Read/Write (designed for vectorized syscalls) into the
// single-packet calls internal/device's tasks make one at a time.
type Device struct {
	dev tun.Device
	log *slog.Logger

	readBufs [][]byte
	sizes    []int
}

// New creates a TUN interface named name (empty string picks the platform
// default) with DefaultMTU, assigns selfIP within cidr, brings the link up,
// and routes the whole subnet to it.
func New(name string, selfIP netip.Addr, cidr netip.Prefix, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = tunnel.DefaultTUNName
	}

	dev, err := tunnel.CreateTUN(name, tunnel.DefaultMTU)
	if err != nil {
		return nil, err
	}

	realName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("reading tun interface name: %w", err)
	}

	addrCIDR := fmt.Sprintf("%s/%d", selfIP, cidr.Bits())
	if err := tunnel.AddAddress(realName, addrCIDR); err != nil {
		dev.Close()
		return nil, fmt.Errorf("assigning %s to %s: %w", addrCIDR, realName, err)
	}
	if err := tunnel.SetLinkUp(realName); err != nil {
		dev.Close()
		return nil, fmt.Errorf("bringing up %s: %w", realName, err)
	}
	if err := tunnel.AddRoute(realName, cidr.String()); err != nil {
		dev.Close()
		return nil, fmt.Errorf("routing %s via %s: %w", cidr, realName, err)
	}

	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunnel.DefaultMTU+16)
	}

	logger.Info("tun interface up", "name", realName, "address", addrCIDR)
	return &Device{dev: dev, log: logger.With("component", "tundev", "iface", realName), readBufs: bufs, sizes: make([]int, batch)}, nil
}

// ReadPacket returns the next packet read from the kernel. wireguard-go's
// tun.Device is a batch API; this package only ever asks for one packet's
// worth and returns the first one read.
func (d *Device) ReadPacket() ([]byte, error) {
	n, err := d.dev.Read(d.readBufs[:1], d.sizes, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, d.sizes[0])
	copy(out, d.readBufs[0][:d.sizes[0]])
	return out, nil
}

// WritePacket writes one packet to the kernel.
func (d *Device) WritePacket(b []byte) error {
	_, err := d.dev.Write([][]byte{b}, 0)
	return err
}

func (d *Device) Close() error {
	return d.dev.Close()
}
