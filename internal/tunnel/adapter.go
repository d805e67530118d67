package tunnel

import (
	"fmt"
	"log/slog"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"
)

// IfaceConfig is the set of addresses and DNS entries to install on a
// virtual interface. It mirrors the portal's Interface message: one IPv4
// address, one IPv6 address, and a resolver list.
type IfaceConfig struct {
	IPv4        string
	IPv6        string
	UpstreamDNS []string
}

// NetworkManager abstracts the kernel address/route/DNS operations the
// Adapter drives, so tests can swap the real netlink/PF calls (which
// require CAP_NET_ADMIN and a real interface) for an in-memory recording
// fake. Production code always uses kernelNetworkManager.
type NetworkManager interface {
	AddAddress(ifName, cidr string) error
	SetLinkUp(ifName string) error
	SetDNS(ifName string, servers, searchDomains []string) error
	RevertDNS(ifName string) error
}

// kernelNetworkManager is the production NetworkManager, delegating to the
// package's platform-specific netlink/PF functions.
type kernelNetworkManager struct{}

func (kernelNetworkManager) AddAddress(ifName, cidr string) error { return AddAddress(ifName, cidr) }
func (kernelNetworkManager) SetLinkUp(ifName string) error        { return SetLinkUp(ifName) }
func (kernelNetworkManager) SetDNS(ifName string, servers, searchDomains []string) error {
	return SetDNS(ifName, servers, searchDomains)
}
func (kernelNetworkManager) RevertDNS(ifName string) error { return RevertDNS(ifName) }

// Adapter presents a platform TUN device as the single async packet stream
// the tunnel engine reads from and writes to, plus the address/route/DNS
// configuration surface described for the virtual interface. It does not
// buffer: each Read corresponds to exactly one IP packet.
type Adapter struct {
	dev  tun.Device
	name string
	mtu  int
	log  *slog.Logger
	net  NetworkManager

	readBufs [][]byte
	readSzs  []int
}

// CreateAdapter reserves a TUN interface and returns the Adapter wrapping
// it. name is advisory: on Linux it is used verbatim (falling back to
// DefaultTUNName); on Apple platforms the kernel assigns the next free
// utunN regardless of what is requested.
func CreateAdapter(name string, mtu int, logger *slog.Logger) (*Adapter, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	dev, err := CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}

	adapter, err := NewAdapter(dev, mtu, logger, kernelNetworkManager{})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return adapter, nil
}

// NewAdapter wraps an already-created tun.Device (kernel-backed or, in
// tests, a fake) in an Adapter, driving address/route/DNS configuration
// through net instead of the kernel directly. Most callers want
// CreateAdapter; this constructor exists so tests can inject a fake
// tun.Device and NetworkManager without CAP_NET_ADMIN.
func NewAdapter(dev tun.Device, mtu int, logger *slog.Logger, net NetworkManager) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	actualName, err := dev.Name()
	if err != nil {
		return nil, fmt.Errorf("reading TUN interface name: %w", err)
	}

	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, mtu+256)
	}

	return &Adapter{
		dev:      dev,
		name:     actualName,
		mtu:      mtu,
		log:      logger.With("component", "tunnel-adapter", "iface", actualName),
		net:      net,
		readBufs: bufs,
		readSzs:  make([]int, batch),
	}, nil
}

// Name returns the interface's actual kernel-assigned name.
func (a *Adapter) Name() string {
	return a.name
}

// MTU returns the interface's current MTU, used by callers to size their
// own packet buffers.
func (a *Adapter) MTU() int {
	return a.mtu
}

// Read retries on spurious would-block and returns one IP packet into buf.
func (a *Adapter) Read(buf []byte) (int, error) {
	for {
		n, err := a.dev.Read(a.readBufs, a.readSzs, 0)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// Spurious wake with no packet ready; retry.
			continue
		}
		copied := copy(buf, a.readBufs[0][:a.readSzs[0]])
		return copied, nil
	}
}

// Write sends a single IP packet. The IPv4 write path is used regardless of
// the packet's actual family; the kernel inspects the IP header itself.
func (a *Adapter) Write(buf []byte) (int, error) {
	bufs := [][]byte{buf}
	n, err := a.dev.Write(bufs, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetIfaceConfig adds the IPv4 and IPv6 addresses in cfg to the interface,
// then installs the DNS entries via the platform resolver facility.
// Addresses already on the interface that are not in cfg are not removed.
func (a *Adapter) SetIfaceConfig(cfg IfaceConfig) error {
	if cfg.IPv4 != "" {
		cidr, err := toCIDR(cfg.IPv4, 32)
		if err != nil {
			return fmt.Errorf("invalid IPv4 address %q: %w", cfg.IPv4, err)
		}
		if err := a.net.AddAddress(a.name, cidr); err != nil {
			return fmt.Errorf("adding IPv4 address: %w", err)
		}
	}

	if cfg.IPv6 != "" {
		cidr, err := toCIDR(cfg.IPv6, 128)
		if err != nil {
			return fmt.Errorf("invalid IPv6 address %q: %w", cfg.IPv6, err)
		}
		if err := a.net.AddAddress(a.name, cidr); err != nil {
			return fmt.Errorf("adding IPv6 address: %w", err)
		}
	}

	if len(cfg.UpstreamDNS) > 0 {
		if err := a.net.SetDNS(a.name, cfg.UpstreamDNS, nil); err != nil {
			return fmt.Errorf("setting DNS: %w", err)
		}
	}

	a.log.Info("interface configured", "ipv4", cfg.IPv4, "ipv6", cfg.IPv6, "dns", cfg.UpstreamDNS)
	return nil
}

// toCIDR normalizes addr to a CIDR string suitable for AddAddress. addr may
// already carry a prefix length; if it doesn't, hostBits is applied (32 for
// IPv4, 128 for IPv6).
func toCIDR(addr string, hostBits int) (string, error) {
	if _, err := netip.ParsePrefix(addr); err == nil {
		return addr, nil
	}
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", parsed, hostBits), nil
}

// Up brings the interface administratively up.
func (a *Adapter) Up() error {
	if err := a.net.SetLinkUp(a.name); err != nil {
		return fmt.Errorf("bringing up interface %s: %w", a.name, err)
	}
	return nil
}

// Device returns the underlying wireguard-go TUN device, for handing to a
// tunnel.Device which owns the read/write packet loop directly.
func (a *Adapter) Device() tun.Device {
	return a.dev
}

// BumpSockets nudges every peer's UDP socket after a network change (e.g.
// mobile roaming between wifi and cellular), so the next outbound packet
// picks a fresh route instead of a stale one bound to a now-dead
// interface. Left a no-op: each PeerSession's Bind is a WebRTC data
// channel, not a UDP socket, so there is no local socket to rebind — ICE
// restart, if ever added, would own this concern instead.
func (a *Adapter) BumpSockets() {}

// Close tears down the TUN device, reverting any DNS configuration this
// adapter installed.
func (a *Adapter) Close() error {
	_ = a.net.RevertDNS(a.name)
	return a.dev.Close()
}
