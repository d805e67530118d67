package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/connlib/internal/multikey"
	"github.com/kuuji/connlib/internal/peerindex"
	"github.com/kuuji/connlib/internal/tunnel"
	"github.com/kuuji/connlib/internal/webrtc"
	"github.com/kuuji/connlib/pkg/protocol"
)

// timerTickInterval is the Tunnel Engine's timer loop cadence. Spec
// requires at least 1s.
const timerTickInterval = 2 * time.Second

// statsInterval is the gateway metrics emission cadence.
const statsInterval = 10 * time.Second

// Engine owns the virtual interface, the peer table, the index allocator,
// and the two packet-plane loops (ingress and egress) that move IP packets
// between the kernel TUN and the peer sessions.
type Engine struct {
	privateKey protocol.Key
	log        *slog.Logger

	adapter   *tunnel.Adapter
	allocator *peerindex.Allocator
	peers     *multikey.Map[protocol.ClientId, netip.Addr, netip.Addr, *PeerSession]

	onMetrics func(protocol.Metrics)
	onError   func(error, Severity)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	PrivateKey protocol.Key
	IfaceName  string
	MTU        int
	Logger     *slog.Logger

	// OnMetrics, if set, is called every 10 seconds with each installed
	// peer's rx/tx byte counters; the orchestrator sets it for the gateway
	// variant only. ResourceID is left zero in every entry: the engine does
	// not record which resource a peer was admitted for.
	OnMetrics func(protocol.Metrics)

	// OnError reports asynchronous faults from the packet-plane loops.
	OnError func(error, Severity)

	// TUNDevice and NetworkManager are injection points for tests, which
	// cannot create a real kernel TUN device or run netlink/PF operations
	// without CAP_NET_ADMIN. Production callers leave both nil: NewEngine
	// then creates a real kernel TUN via tunnel.CreateAdapter instead.
	TUNDevice      tun.Device
	NetworkManager tunnel.NetworkManager
}

// NewEngine constructs an Engine and its virtual interface, but does not start
// the packet-plane loops — call Start for that.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var adapter *tunnel.Adapter
	var err error
	if cfg.TUNDevice != nil {
		adapter, err = tunnel.NewAdapter(cfg.TUNDevice, cfg.MTU, log, cfg.NetworkManager)
	} else {
		adapter, err = tunnel.CreateAdapter(cfg.IfaceName, cfg.MTU, log)
	}
	if err != nil {
		return nil, fmt.Errorf("creating virtual interface: %w", err)
	}

	allocator, err := peerindex.NewAllocator(rand.Reader)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("creating peer index allocator: %w", err)
	}

	return &Engine{
		privateKey: cfg.PrivateKey,
		log:        log.With("component", "engine"),
		adapter:    adapter,
		allocator:  allocator,
		peers:      multikey.New[protocol.ClientId, netip.Addr, netip.Addr, *PeerSession](),
		onMetrics:  cfg.OnMetrics,
		onError:    cfg.OnError,
	}, nil
}

// InterfaceName returns the virtual interface's name.
func (e *Engine) InterfaceName() string {
	return e.adapter.Name()
}

// SetInterface is idempotent: it reconfigures addresses/DNS and brings the
// device up.
func (e *Engine) SetInterface(iface protocol.Interface) error {
	if err := e.adapter.SetIfaceConfig(tunnel.IfaceConfig{
		IPv4:        iface.IPv4,
		IPv6:        iface.IPv6,
		UpstreamDNS: iface.UpstreamDNS,
	}); err != nil {
		return fmt.Errorf("configuring interface: %w", err)
	}
	return e.adapter.Up()
}

// Start launches the ingress loop, the timer loop and, when OnMetrics is
// set, the stats loop. Each peer's egress loop is started when the peer is
// installed. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.ingressLoop(runCtx) }()
	go func() { defer e.wg.Done(); e.timerLoop(runCtx) }()

	if e.onMetrics != nil {
		e.wg.Add(1)
		go func() { defer e.wg.Done(); e.statsLoop(runCtx) }()
	}
}

// Stop cancels all packet-plane loops, closes every installed peer (and so
// its data channel) and the virtual interface, and waits for the loops to
// exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var ids []protocol.ClientId
	e.peers.Range(func(id protocol.ClientId, _ *PeerSession) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		e.CleanupPeerConnection(id)
	}
	e.adapter.Close()
	e.wg.Wait()
}

// ingressLoop reads IP packets from the virtual interface, routes them by
// destination address to a peer session, and hands them off for
// encryption. Packets with no matching peer are dropped silently.
func (e *Engine) ingressLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := e.adapter.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.reportError(fmt.Errorf("reading from virtual interface: %w", err), Fatal)
			return
		}

		dst, ok := destinationAddr(buf[:n])
		if !ok {
			continue
		}

		peer, found := e.lookupPeer(dst)
		if !found {
			continue
		}

		if err := peer.EncryptAndForward(buf[:n]); err != nil {
			e.reportError(fmt.Errorf("forwarding to peer %s: %w", peer.ClientID(), err), Recoverable)
		}
	}
}

// startPeerEgressLoop reads decrypted plaintext packets off one peer's
// noise state and writes them to the virtual interface after validating
// the packet's source address against that peer's allowed IPs.
func (e *Engine) startPeerEgressLoop(ctx context.Context, peer *PeerSession) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			pkt, err := peer.ReadDecrypted()
			if err != nil {
				return
			}

			src, ok := sourceAddr(pkt)
			if !ok {
				continue
			}
			if !peer.IsAllowedIPv4(src) && !peer.IsAllowedIPv6(src) {
				e.log.Warn("dropping packet with unexpected source", "client_id", peer.ClientID(), "src", src)
				continue
			}

			if _, err := e.adapter.Write(pkt); err != nil {
				e.reportError(fmt.Errorf("writing to virtual interface: %w", err), Recoverable)
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

// timerLoop calls UpdateTimers on every peer at a fixed cadence, cleaning
// up any peer whose session has expired.
func (e *Engine) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(timerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var expired []protocol.ClientId
			e.peers.Range(func(id protocol.ClientId, peer *PeerSession) bool {
				if peer.UpdateTimers() == TimerOutcomeExpired {
					expired = append(expired, id)
				}
				return true
			})
			for _, id := range expired {
				e.CleanupPeerConnection(id)
			}
		}
	}
}

// statsLoop emits each installed peer's rx/tx byte counters every 10 seconds.
func (e *Engine) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.onMetrics != nil {
				var m protocol.Metrics
				for _, snap := range e.Snapshot() {
					m.PeersMetrics = append(m.PeersMetrics, protocol.PeerMetric{
						ClientID: snap.ClientID,
						RxBytes:  snap.RxBytes,
						TxBytes:  snap.TxBytes,
					})
				}
				e.onMetrics(m)
			}
		}
	}
}

func (e *Engine) lookupPeer(addr netip.Addr) (*PeerSession, bool) {
	if addr.Is4() {
		return e.peers.GetBySecondary1(addr)
	}
	return e.peers.GetBySecondary2(addr)
}

// SetPeerConnectionRequest performs the gateway side of an SDP exchange:
// draws a peer index from the allocator as an admission check (the value
// itself is not used), answers the client's offer, installs a PeerSession
// keyed by client id and its allowed IPs, and returns the local SDP to
// signal back. Peer
// installation (the MultiKey Map insertion) is the commit point: it must
// happen strictly before any packet can be routed to the new peer, which
// holds here since the egress loop is only started after Insert succeeds.
func (e *Engine) SetPeerConnectionRequest(clientID protocol.ClientId, remoteSDP string, peerSpec protocol.Peer, ice webrtc.ICEConfig) (string, error) {
	if _, err := e.allocator.Next(); err != nil {
		return "", fmt.Errorf("allocating peer index: %w", err)
	}

	peer, err := webrtc.NewPeer(webrtc.PeerConfig{
		ICE:      ice,
		LocalID:  "gateway",
		RemoteID: clientID.String(),
		Logger:   e.log,
	})
	if err != nil {
		return "", fmt.Errorf("creating peer connection: %w", err)
	}

	localSDP, err := peer.HandleOffer(remoteSDP)
	if err != nil {
		peer.Close()
		return "", fmt.Errorf("handling offer: %w", err)
	}

	session, err := NewPeerSession(PeerConfig{
		ClientID:            clientID,
		PublicKey:           peerSpec.PublicKey,
		AllowedIPv4:         peerSpec.IPv4,
		AllowedIPv6:         peerSpec.IPv6,
		PersistentKeepalive: derefOrZero(peerSpec.PersistentKeepalive),
	}, e.privateKey, peer, e.log)
	if err != nil {
		peer.Close()
		return "", fmt.Errorf("creating peer session: %w", err)
	}

	v4, err := netip.ParseAddr(peerSpec.IPv4)
	if err != nil {
		session.Close()
		return "", fmt.Errorf("parsing peer ipv4: %w", err)
	}
	v6, err := netip.ParseAddr(peerSpec.IPv6)
	if err != nil {
		session.Close()
		return "", fmt.Errorf("parsing peer ipv6: %w", err)
	}

	e.peers.Insert(clientID, &v4, &v6, session)
	e.startPeerEgressLoop(context.Background(), session)

	return localSDP, nil
}

// CleanupPeerConnection tears down the peer by client id: removal first
// detaches routing (so no new packets can find the peer), then closes the
// data channel and drops the noise state.
func (e *Engine) CleanupPeerConnection(clientID protocol.ClientId) {
	peer, ok := e.peers.Remove(clientID)
	if !ok {
		return
	}
	if err := peer.Close(); err != nil {
		e.reportError(fmt.Errorf("closing peer %s: %w", clientID, err), Recoverable)
	}
}

// PeerSnapshot is one peer's externally-reportable state, used by the
// status surface.
type PeerSnapshot struct {
	ClientID          protocol.ClientId
	AllowedIPv4       netip.Addr
	AllowedIPv6       netip.Addr
	RxBytes           uint64
	TxBytes           uint64
	LastHandshakeUnix int64
}

// Snapshot returns the current state of every installed peer, for the
// status surface to report.
func (e *Engine) Snapshot() []PeerSnapshot {
	var out []PeerSnapshot
	e.peers.Range(func(id protocol.ClientId, peer *PeerSession) bool {
		snap := PeerSnapshot{
			ClientID:    id,
			AllowedIPv4: peer.AllowedIPv4(),
			AllowedIPv6: peer.AllowedIPv6(),
		}
		if stats, ok := peer.Stats(); ok {
			snap.RxBytes = stats.RxBytes
			snap.TxBytes = stats.TxBytes
			snap.LastHandshakeUnix = stats.LastHandshakeUnix
		}
		out = append(out, snap)
		return true
	})
	return out
}

func (e *Engine) reportError(err error, severity Severity) {
	e.log.Error(err.Error(), "severity", severity.String())
	if e.onError != nil {
		e.onError(err, severity)
	}
}

func derefOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// destinationAddr parses the destination address out of a raw IP packet's
// header (IPv4 or IPv6), used by the ingress loop to route by allowed IP.
func destinationAddr(pkt []byte) (netip.Addr, bool) {
	return parseIPHeaderAddr(pkt, true)
}

// sourceAddr parses the source address, used by the egress loop to
// validate a decrypted packet against the peer's allowed IPs.
func sourceAddr(pkt []byte) (netip.Addr, bool) {
	return parseIPHeaderAddr(pkt, false)
}

func parseIPHeaderAddr(pkt []byte, dest bool) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	version := pkt[0] >> 4
	switch version {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		var b [4]byte
		if dest {
			copy(b[:], pkt[16:20])
		} else {
			copy(b[:], pkt[12:16])
		}
		return netip.AddrFrom4(b), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		var b [16]byte
		if dest {
			copy(b[:], pkt[24:40])
		} else {
			copy(b[:], pkt[8:24])
		}
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}
