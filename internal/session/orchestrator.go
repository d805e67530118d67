package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/connlib/internal/control"
	"github.com/kuuji/connlib/internal/peerindex"
	"github.com/kuuji/connlib/internal/statusapi"
	"github.com/kuuji/connlib/internal/tunnel"
	"github.com/kuuji/connlib/internal/webrtc"
	"github.com/kuuji/connlib/pkg/protocol"
)

// Mode selects which portal websocket path and init payload shape a
// session speaks.
type Mode string

const (
	ModeClient  Mode = "client"
	ModeGateway Mode = "gateway"
)

// Config configures an Orchestrator.
type Config struct {
	PortalURL string
	Token     string
	Mode      Mode
	MTU       int
	Logger    *slog.Logger
	Callbacks Callbacks

	// TUNDevice and NetworkManager are test injection points threaded
	// straight through to EngineConfig. Production callers leave both nil.
	TUNDevice      tun.Device
	NetworkManager tunnel.NetworkManager

	// Backoff overrides the reconnect policy. Production callers leave this
	// nil, which selects DefaultBackoff; tests shrink the parameters so
	// backoff-exhaustion scenarios don't take 15 minutes of wall time.
	Backoff *Backoff
}

// Orchestrator glues the Control-Plane Channel and the Tunnel Engine: it
// owns the reconnect supervisor, derives the websocket URL, and dispatches
// each ingress payload to the appropriate tunnel operation.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	publicKey protocol.Key
	deviceID  uuid.UUID

	mu        sync.Mutex
	engine    *Engine
	cancel    context.CancelFunc
	sender    control.Sender
	startedAt time.Time
	ifaceIPv4 string
	ifaceIPv6 string
	resources map[protocol.ResourceId]protocol.ResourceDescription
}

// New constructs an Orchestrator. It does not connect — call Connect.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = NoopCallbacks{}
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log.With("component", "orchestrator"),
		resources: make(map[protocol.ResourceId]protocol.ResourceDescription),
	}
}

// Connect generates a fresh identity, builds the tunnel engine, and starts
// the supervised reconnect loop in the background. It returns once the
// engine's virtual interface exists; connection to the portal proceeds
// asynchronously and reports through Callbacks.
func (o *Orchestrator) Connect(ctx context.Context) error {
	privateKey, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating device key: %w", err)
	}
	o.publicKey = protocol.PublicKey(privateKey)
	o.deviceID = uuid.New()

	var onMetrics func(protocol.Metrics)
	if o.cfg.Mode == ModeGateway {
		onMetrics = o.publishMetrics
	}

	engine, err := NewEngine(EngineConfig{
		PrivateKey:     privateKey,
		MTU:            tunnelAdapterMTU(o.cfg.Mode, o.cfg.MTU),
		Logger:         o.log,
		OnMetrics:      onMetrics,
		OnError:        o.cfg.Callbacks.OnError,
		TUNDevice:      o.cfg.TUNDevice,
		NetworkManager: o.cfg.NetworkManager,
	})
	if err != nil {
		return fmt.Errorf("creating tunnel engine: %w", err)
	}

	o.mu.Lock()
	o.engine = engine
	o.startedAt = time.Now()
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	engine.Start(runCtx)

	go o.supervise(runCtx)

	return nil
}

// Disconnect cancels the supervisor, which drops the tunnel engine
// (dropping all peers, each closing its data channel), then closes the
// websocket.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	cancel := o.cancel
	engine := o.engine
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		engine.Stop()
	}
}

// supervise runs the control-plane channel in a loop, sleeping on the
// shared backoff policy between attempts and delivering a fatal error once
// the policy is exhausted.
func (o *Orchestrator) supervise(ctx context.Context) {
	backoff := o.cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	ingress := make(chan protocol.Frame, 1)

	go o.pump(ctx, ingress)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wsURL, err := o.websocketURL()
		if err != nil {
			o.cfg.Callbacks.OnError(fmt.Errorf("deriving websocket url: %w", err), Fatal)
			return
		}

		channel := control.New(control.Config{URL: wsURL, Logger: o.log}, func(f protocol.Frame) {
			select {
			case ingress <- f:
			case <-ctx.Done():
			}
		})

		o.mu.Lock()
		o.sender = channel.Sender()
		o.mu.Unlock()

		err = channel.Start(ctx, []string{protocol.TopicDevice})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff.Reset()
			continue
		}

		o.log.Warn("control channel exited, reconnecting", "error", err)
		o.cfg.Callbacks.OnError(err, Recoverable)

		delay, ok := backoff.Next()
		if !ok {
			o.cfg.Callbacks.OnError(fmt.Errorf("reconnect backoff exhausted: %w", err), Fatal)
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// pump dispatches each ingress payload to the appropriate tunnel
// operation, processing messages strictly in receipt order (enforced by
// the size-1 ingress channel).
func (o *Orchestrator) pump(ctx context.Context, ingress <-chan protocol.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ingress:
			o.dispatch(frame)
		}
	}
}

func (o *Orchestrator) dispatch(frame protocol.Frame) {
	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()
	if engine == nil {
		return
	}

	switch frame.Event {
	case protocol.EventInit:
		if o.cfg.Mode == ModeGateway {
			var init protocol.InitGateway
			if err := frame.DecodePayload(&init); err != nil {
				o.log.Warn("dropping unparseable gateway init", "error", err)
				return
			}
			if err := engine.SetInterface(init.Interface); err != nil {
				o.cfg.Callbacks.OnError(fmt.Errorf("configuring interface: %w", err), Fatal)
				return
			}
			o.mu.Lock()
			o.ifaceIPv4 = init.Interface.IPv4
			o.ifaceIPv6 = init.Interface.IPv6
			o.mu.Unlock()
			o.cfg.Callbacks.OnSetTunnelAddresses(init.Interface.IPv4, init.Interface.IPv6)
			o.cfg.Callbacks.OnUpdateResources(o.resetResources(init.Resources))
		} else {
			var init protocol.InitClient
			if err := frame.DecodePayload(&init); err != nil {
				o.log.Warn("dropping unparseable client init", "error", err)
				return
			}
			if err := engine.SetInterface(init.Interface); err != nil {
				o.cfg.Callbacks.OnError(fmt.Errorf("configuring interface: %w", err), Fatal)
				return
			}
			o.mu.Lock()
			o.ifaceIPv4 = init.Interface.IPv4
			o.ifaceIPv6 = init.Interface.IPv6
			o.mu.Unlock()
			o.cfg.Callbacks.OnSetTunnelAddresses(init.Interface.IPv4, init.Interface.IPv6)
			o.cfg.Callbacks.OnUpdateResources(o.resetResources(init.Resources))
		}

	case protocol.EventAddResource, protocol.EventUpdateResource:
		var res protocol.ResourceDescription
		if err := frame.DecodePayload(&res); err != nil {
			o.log.Warn("dropping unparseable resource event", "error", err)
			return
		}
		o.cfg.Callbacks.OnUpdateResources(o.upsertResource(res))

	case protocol.EventRemoveResource:
		var rm protocol.RemoveResource
		if err := frame.DecodePayload(&rm); err != nil {
			o.log.Warn("dropping unparseable remove_resource", "error", err)
			return
		}
		o.cfg.Callbacks.OnUpdateResources(o.removeResource(rm.ID))

	case protocol.EventConnectionRequest:
		var req protocol.ConnectionRequest
		if err := frame.DecodePayload(&req); err != nil {
			o.log.Warn("dropping unparseable connection_request", "error", err)
			return
		}
		ice := webrtc.ICEConfig{Relays: protocol.FreshRelays(req.Relays, time.Now())}
		localSDP, err := engine.SetPeerConnectionRequest(req.Client.ID, req.RTCSDP, req.Client.Peer, ice)
		if err != nil {
			severity := Recoverable
			if errors.Is(err, peerindex.ErrExhausted) {
				severity = Fatal
			}
			o.cfg.Callbacks.OnError(fmt.Errorf("handling connection request: %w", err), severity)
			return
		}

		o.mu.Lock()
		sender := o.sender
		o.mu.Unlock()
		if err := sender.Send(protocol.TopicDevice, protocol.EventConnectionReady, protocol.ConnectionReady{
			ClientID:      req.Client.ID,
			GatewayRTCSDP: localSDP,
		}); err != nil {
			o.cfg.Callbacks.OnError(fmt.Errorf("signaling connection_ready: %w", err), Recoverable)
		}

	default:
		o.log.Debug("ignoring unknown event", "event", frame.Event)
	}
}

// resetResources replaces the authoritative resource table with init,
// applies init_resources per invariant 3, and returns the resulting
// snapshot.
func (o *Orchestrator) resetResources(init []protocol.ResourceDescription) []protocol.ResourceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources = make(map[protocol.ResourceId]protocol.ResourceDescription, len(init))
	for _, r := range init {
		o.resources[r.ID] = r
	}
	return o.snapshotResourcesLocked()
}

// upsertResource applies add_resource/update_resource (both replace by id
// per invariant 3) and returns the resulting snapshot.
func (o *Orchestrator) upsertResource(res protocol.ResourceDescription) []protocol.ResourceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources[res.ID] = res
	return o.snapshotResourcesLocked()
}

// removeResource applies remove_resource and returns the resulting
// snapshot.
func (o *Orchestrator) removeResource(id protocol.ResourceId) []protocol.ResourceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.resources, id)
	return o.snapshotResourcesLocked()
}

// snapshotResourcesLocked returns the current authoritative resource set,
// sorted by id for a deterministic callback order. Callers must hold o.mu.
func (o *Orchestrator) snapshotResourcesLocked() []protocol.ResourceDescription {
	out := make([]protocol.ResourceDescription, 0, len(o.resources))
	for _, r := range o.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (o *Orchestrator) publishMetrics(m protocol.Metrics) {
	o.mu.Lock()
	sender := o.sender
	o.mu.Unlock()

	if err := sender.Send(protocol.TopicDevice, protocol.EventMetrics, m); err != nil {
		o.log.Warn("sending metrics", "error", err)
	}
}

// Status builds a statusapi.Status snapshot of the current session, for the
// status server to serve over its Unix socket.
func (o *Orchestrator) Status() statusapi.Status {
	o.mu.Lock()
	engine := o.engine
	startedAt := o.startedAt
	ifaceIPv4 := o.ifaceIPv4
	ifaceIPv6 := o.ifaceIPv6
	o.mu.Unlock()

	status := statusapi.Status{
		Mode:      string(o.cfg.Mode),
		PortalURL: o.cfg.PortalURL,
		IPv4:      ifaceIPv4,
		IPv6:      ifaceIPv6,
	}
	if engine == nil {
		return status
	}

	status.Interface = engine.InterfaceName()
	if !startedAt.IsZero() {
		status.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	for _, snap := range engine.Snapshot() {
		status.Peers = append(status.Peers, statusapi.PeerStatus{
			ClientID:          snap.ClientID.String(),
			AllowedIPv4:       snap.AllowedIPv4.String(),
			AllowedIPv6:       snap.AllowedIPv6.String(),
			RxBytes:           snap.RxBytes,
			TxBytes:           snap.TxBytes,
			LastHandshakeUnix: snap.LastHandshakeUnix,
		})
	}
	return status
}

// websocketURL derives the portal URL per the wire contract: preserve
// scheme/host, append the mode path segment, set token/public_key/
// external_id query parameters.
func (o *Orchestrator) websocketURL() (string, error) {
	u, err := url.Parse(o.cfg.PortalURL)
	if err != nil {
		return "", fmt.Errorf("parsing portal url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/%s/websocket", o.cfg.Mode)

	q := u.Query()
	q.Set("token", o.cfg.Token)
	q.Set("public_key", base64.StdEncoding.EncodeToString(o.publicKey[:]))
	q.Set("external_id", o.deviceID.String())
	u.RawQuery = q.Encode()

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	return u.String(), nil
}

// tunnelAdapterMTU resolves the default MTU for the configured mode.
func tunnelAdapterMTU(mode Mode, configured int) int {
	if configured > 0 {
		return configured
	}
	if mode == ModeGateway {
		return tunnel.DefaultMTU
	}
	return 1280
}
