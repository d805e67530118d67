package session

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/kuuji/connlib/internal/tunnel"
	"github.com/kuuji/connlib/internal/webrtc"
	"github.com/kuuji/connlib/pkg/protocol"
)

// sessionExpiry is how long a peer may go without a completed handshake
// before its session is considered dead. It equals WireGuard's own
// REJECT_AFTER_TIME of 180s.
const sessionExpiry = 3 * time.Minute

// TimerOutcome is the result of polling a PeerSession's underlying noise
// state. WireGuard's handshake and keepalive retransmission are driven
// internally by wireguard-go against the Bind, so there is no caller-built
// packet to dispatch; TimerOutcomeExpired is the only actionable outcome
// the Tunnel Engine needs, to schedule cleanup of a peer the handshake has
// abandoned.
type TimerOutcome int

const (
	TimerOutcomeNothing TimerOutcome = iota
	TimerOutcomeExpired
)

// PeerConfig describes a single remote peer to establish a session with.
type PeerConfig struct {
	ClientID   protocol.ClientId
	PublicKey  protocol.Key
	AllowedIPv4 string
	AllowedIPv6 string

	PersistentKeepalive int
}

// PeerSession fuses one WireGuard noise session (its own wireguard-go
// Device, bound to exactly one WebRTC data channel) with the allowed-IP
// routing predicates the Tunnel Engine consults on every packet.
type PeerSession struct {
	cfg PeerConfig
	log *slog.Logger

	bind *tunnel.DataChannelBind
	dev  *tunnel.Device
	pipe *tunnel.PipeTUN
	peer *webrtc.Peer

	allowedV4 netip.Addr
	allowedV6 netip.Addr

	mu       sync.Mutex
	lastSeen time.Time
	expired  bool
}

// NewPeerSession creates the noise session for a peer: a fresh WireGuard
// device bound to the peer's data channel, with its single allowed IPv4
// and IPv6 address installed.
func NewPeerSession(cfg PeerConfig, privateKey protocol.Key, peer *webrtc.Peer, logger *slog.Logger) (*PeerSession, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("client_id", cfg.ClientID, "public_key", cfg.PublicKey.String())

	v4, err := netip.ParseAddr(cfg.AllowedIPv4)
	if err != nil {
		return nil, fmt.Errorf("parsing allowed ipv4: %w", err)
	}
	v6, err := netip.ParseAddr(cfg.AllowedIPv6)
	if err != nil {
		return nil, fmt.Errorf("parsing allowed ipv6: %w", err)
	}

	bind := tunnel.NewDataChannelBind(log)

	// This session's wireguard-go device does not own the kernel TUN — the
	// Tunnel Engine's single virtual interface is shared across all peers.
	// Instead each PeerSession gets its own PipeTUN: an in-process pipe the
	// engine feeds plaintext into (for encryption) and drains decrypted
	// plaintext from, so wireguard-go's own encrypt/decrypt and handshake
	// state machine can run unmodified per peer.
	pipe := tunnel.NewPipeTUN(cfg.ClientID.String(), tunnel.DefaultMTU)
	dev, err := tunnel.NewDevice(tunnel.DeviceConfig{PrivateKey: privateKey}, pipe, bind, log)
	if err != nil {
		return nil, fmt.Errorf("creating peer wireguard device: %w", err)
	}

	if err := dev.AddPeer(tunnel.PeerConfig{
		PublicKey:           cfg.PublicKey,
		AllowedIPs:          []string{cfg.AllowedIPv4 + "/32", cfg.AllowedIPv6 + "/128"},
		PersistentKeepalive: cfg.PersistentKeepalive,
	}); err != nil {
		dev.Close()
		return nil, fmt.Errorf("adding wireguard peer: %w", err)
	}

	ps := &PeerSession{
		cfg:       cfg,
		log:       log,
		bind:      bind,
		dev:       dev,
		pipe:      pipe,
		peer:      peer,
		allowedV4: v4,
		allowedV6: v6,
		lastSeen:  time.Now(),
	}

	if dc := peer.DataChannel(); dc != nil {
		bind.SetDataChannel(dc)
	}

	return ps, nil
}

// Send pushes ciphertext to the remote peer's data channel. A transport
// error is returned to the caller; a failed send does not tear the peer
// down. The Tunnel Engine's packet loops do not call Send: they go through
// EncryptAndForward and ReadDecrypted.
func (ps *PeerSession) Send(data []byte) error {
	dc := ps.peer.DataChannel()
	if dc == nil {
		return fmt.Errorf("data channel not open for peer %s", ps.cfg.ClientID)
	}
	return dc.Send(data)
}

// EncryptAndForward hands a plaintext IP packet to the peer's noise state
// for encryption; wireguard-go encrypts it against its internal handshake
// state and writes the ciphertext out over the data channel via the
// attached Bind. This is the ingress path the Tunnel Engine calls once it
// has matched a packet's destination to this peer.
func (ps *PeerSession) EncryptAndForward(plaintext []byte) error {
	return ps.pipe.WriteToPeer(plaintext)
}

// ReadDecrypted blocks until the peer's noise state has decrypted a packet
// from an inbound data channel frame, returning the plaintext. The caller
// (the Tunnel Engine's egress loop) must validate the packet's source
// address against IsAllowedIPv4/IsAllowedIPv6 before writing it to the
// virtual interface.
func (ps *PeerSession) ReadDecrypted() ([]byte, error) {
	return ps.pipe.ReadFromPeer()
}

// IsAllowedIPv4 reports whether addr is this peer's single assigned IPv4
// address (exact match, not a subnet).
func (ps *PeerSession) IsAllowedIPv4(addr netip.Addr) bool {
	return addr == ps.allowedV4
}

// IsAllowedIPv6 reports whether addr is this peer's single assigned IPv6
// address.
func (ps *PeerSession) IsAllowedIPv6(addr netip.Addr) bool {
	return addr == ps.allowedV6
}

// ClientID returns the identity this session was installed under.
func (ps *PeerSession) ClientID() protocol.ClientId {
	return ps.cfg.ClientID
}

// AllowedIPv4 returns this peer's assigned IPv4 address.
func (ps *PeerSession) AllowedIPv4() netip.Addr { return ps.allowedV4 }

// AllowedIPv6 returns this peer's assigned IPv6 address.
func (ps *PeerSession) AllowedIPv6() netip.Addr { return ps.allowedV6 }

// Stats returns the peer's current transfer counters and handshake time,
// for reporting through the status surface. The bool is false if the
// underlying device could not be queried.
func (ps *PeerSession) Stats() (tunnel.PeerStats, bool) {
	uapi, err := ps.dev.IpcGet()
	if err != nil {
		return tunnel.PeerStats{}, false
	}
	return tunnel.ParsePeerStats(uapi)
}

// UpdateTimers polls the underlying noise state's handshake freshness.
// Called periodically by the Tunnel Engine's timer loop.
func (ps *PeerSession) UpdateTimers() TimerOutcome {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.expired {
		return TimerOutcomeExpired
	}

	uapi, err := ps.dev.IpcGet()
	if err != nil {
		ps.log.Warn("polling peer stats", "error", err)
		return TimerOutcomeNothing
	}

	stats, found := tunnel.ParsePeerStats(uapi)
	if !found {
		return TimerOutcomeNothing
	}

	if stats.LastHandshakeUnix > 0 {
		ps.lastSeen = time.Unix(stats.LastHandshakeUnix, 0)
	}

	if time.Since(ps.lastSeen) > sessionExpiry {
		ps.expired = true
		ps.log.Info("peer session expired", "last_handshake", ps.lastSeen)
		return TimerOutcomeExpired
	}

	return TimerOutcomeNothing
}

// Close tears down the noise session and its data channel. Per the Tunnel
// Engine's removal ordering, the caller has already detached this session
// from the routing map before calling Close.
func (ps *PeerSession) Close() error {
	ps.dev.Close()
	if err := ps.peer.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}
