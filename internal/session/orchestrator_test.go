package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/connlib/pkg/protocol"
)

// --- Fake TUN device ---
//
// fakeTUNDevice implements tun.Device with in-memory buffers, letting the
// Tunnel Engine start its packet-plane loops without a real kernel TUN
// (which needs CAP_NET_ADMIN).
type fakeTUNDevice struct {
	name    string
	readCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
	events  chan tun.Event
}

func newFakeTUNDevice(name string) *fakeTUNDevice {
	events := make(chan tun.Event, 1)
	events <- tun.EventUp
	return &fakeTUNDevice{
		name:    name,
		readCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
		events:  events,
	}
}

func (f *fakeTUNDevice) File() *os.File           { return nil }
func (f *fakeTUNDevice) Name() (string, error)    { return f.name, nil }
func (f *fakeTUNDevice) MTU() (int, error)        { return 1420, nil }
func (f *fakeTUNDevice) Events() <-chan tun.Event { return f.events }
func (f *fakeTUNDevice) BatchSize() int           { return 1 }

func (f *fakeTUNDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case data := <-f.readCh:
		n := copy(bufs[0][offset:], data)
		sizes[0] = n
		return 1, nil
	case <-f.closeCh:
		return 0, os.ErrClosed
	}
}

func (f *fakeTUNDevice) Write(bufs [][]byte, offset int) (int, error) {
	return len(bufs), nil
}

func (f *fakeTUNDevice) Close() error {
	f.once.Do(func() { close(f.closeCh) })
	return nil
}

// --- Fake network manager ---

// fakeNetworkManager records address/DNS operations without touching the
// kernel, so SetInterface succeeds against a fake interface name.
type fakeNetworkManager struct {
	mu        sync.Mutex
	addresses []string
}

func (f *fakeNetworkManager) AddAddress(ifName, cidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, cidr)
	return nil
}
func (f *fakeNetworkManager) SetLinkUp(ifName string) error { return nil }
func (f *fakeNetworkManager) SetDNS(ifName string, servers, searchDomains []string) error {
	return nil
}
func (f *fakeNetworkManager) RevertDNS(ifName string) error { return nil }

// --- Recording callbacks ---

type recordingCallbacks struct {
	mu          sync.Mutex
	resources   [][]protocol.ResourceDescription
	ipv4        string
	ipv6        string
	errs        []error
	severities  []Severity
	fatalCount  int
	addressSeen chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{addressSeen: make(chan struct{}, 1)}
}

func (c *recordingCallbacks) OnUpdateResources(resources []protocol.ResourceDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]protocol.ResourceDescription, len(resources))
	copy(cp, resources)
	c.resources = append(c.resources, cp)
}

func (c *recordingCallbacks) OnSetTunnelAddresses(ipv4, ipv6 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipv4, c.ipv6 = ipv4, ipv6
	select {
	case c.addressSeen <- struct{}{}:
	default:
	}
}

func (c *recordingCallbacks) OnError(err error, severity Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
	c.severities = append(c.severities, severity)
	if severity == Fatal {
		c.fatalCount++
	}
}

func (c *recordingCallbacks) lastResources() []protocol.ResourceDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resources) == 0 {
		return nil
	}
	return c.resources[len(c.resources)-1]
}

func (c *recordingCallbacks) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

func (c *recordingCallbacks) fatals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalCount
}

// scriptedPortal accepts one websocket connection, acks every phx_join,
// then pushes the frames in script in order, spaced out slightly so the
// orchestrator's single pump goroutine processes them one at a time.
func scriptedPortal(t *testing.T, script []protocol.Frame) *httptest.Server {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := context.Background()
		joined := make(chan struct{})
		go func() {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				frame, err := protocol.UnmarshalFrame(data)
				if err != nil {
					continue
				}
				if frame.Event == protocol.EventPhxJoin && frame.Ref != nil {
					raw, _ := protocol.NewFrame(frame.Topic, protocol.EventPhxReply, protocol.ReplyPayload{Status: protocol.StatusOK}, *frame.Ref)
					b, _ := raw.Marshal()
					_ = conn.Write(ctx, websocket.MessageText, b)
					select {
					case joined <- struct{}{}:
					default:
					}
				}
			}
		}()

		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			return
		}

		for _, frame := range script {
			b, err := frame.Marshal()
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}

		<-ctx.Done()
	})

	return httptest.NewServer(handler)
}

func pushFrame(t *testing.T, event string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewPush(protocol.TopicDevice, event, payload)
	if err != nil {
		t.Fatalf("NewPush(%s) error: %v", event, err)
	}
	return f
}

// TestOrchestrator_initDispatchesAddressesAndResources exercises scenario
// S1: an init frame must update the tunnel addresses and the full initial
// resource set.
func TestOrchestrator_initDispatchesAddressesAndResources(t *testing.T) {
	t.Parallel()

	r1 := protocol.ResourceDescription{ID: protocol.NewId(), Address: "r1.example.com", IPv4: "100.64.0.1"}
	r2 := protocol.ResourceDescription{ID: protocol.NewId(), Address: "r2.example.com", IPv4: "100.64.0.2"}

	init := protocol.InitClient{
		Interface: protocol.Interface{IPv4: "100.76.1.2", IPv6: "fd00::1"},
		Resources: []protocol.ResourceDescription{r1, r2},
	}

	srv := scriptedPortal(t, []protocol.Frame{pushFrame(t, protocol.EventInit, init)})
	t.Cleanup(srv.Close)

	callbacks := newRecordingCallbacks()
	orch := New(Config{
		PortalURL:      "http" + srv.URL[len("http"):],
		Token:          "test-token",
		Mode:           ModeClient,
		Callbacks:      callbacks,
		TUNDevice:      newFakeTUNDevice("connlib-test0"),
		NetworkManager: &fakeNetworkManager{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := orch.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(orch.Disconnect)

	select {
	case <-callbacks.addressSeen:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OnSetTunnelAddresses")
	}

	callbacks.mu.Lock()
	ipv4, ipv6 := callbacks.ipv4, callbacks.ipv6
	callbacks.mu.Unlock()
	if ipv4 != "100.76.1.2" || ipv6 != "fd00::1" {
		t.Errorf("tunnel addresses = %s/%s, want 100.76.1.2/fd00::1", ipv4, ipv6)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if callbacks.updateCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := callbacks.lastResources()
	if len(got) != 2 {
		t.Fatalf("initial resources = %+v, want exactly 2", got)
	}
}

// TestOrchestrator_resourceLifecycle exercises scenario S6: init with two
// resources, then a remove and an update, must leave OnUpdateResources
// showing exactly the updated survivor as the authoritative set.
func TestOrchestrator_resourceLifecycle(t *testing.T) {
	t.Parallel()

	r1 := protocol.ResourceDescription{ID: protocol.NewId(), Address: "r1.example.com", IPv4: "100.64.0.1"}
	r2 := protocol.ResourceDescription{ID: protocol.NewId(), Address: "r2.example.com", IPv4: "100.64.0.2"}

	init := protocol.InitClient{
		Interface: protocol.Interface{IPv4: "100.76.1.2", IPv6: "fd00::1"},
		Resources: []protocol.ResourceDescription{r1, r2},
	}

	r2Updated := r2
	r2Updated.IPv4 = "100.64.0.99"

	script := []protocol.Frame{
		pushFrame(t, protocol.EventInit, init),
		pushFrame(t, protocol.EventRemoveResource, protocol.RemoveResource{ID: r1.ID}),
		pushFrame(t, protocol.EventUpdateResource, r2Updated),
	}

	srv := scriptedPortal(t, script)
	t.Cleanup(srv.Close)

	callbacks := newRecordingCallbacks()
	orch := New(Config{
		PortalURL:      "http" + srv.URL[len("http"):],
		Token:          "test-token",
		Mode:           ModeClient,
		Callbacks:      callbacks,
		TUNDevice:      newFakeTUNDevice("connlib-test1"),
		NetworkManager: &fakeNetworkManager{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := orch.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(orch.Disconnect)

	deadline := time.Now().Add(5 * time.Second)
	var got []protocol.ResourceDescription
	for time.Now().Before(deadline) {
		got = callbacks.lastResources()
		if len(got) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(got) != 1 {
		t.Fatalf("final resources = %+v, want exactly one (the updated survivor)", got)
	}
	if got[0].ID != r2.ID || got[0].IPv4 != "100.64.0.99" {
		t.Errorf("final resource = %+v, want %+v", got[0], r2Updated)
	}
}

// TestOrchestrator_backoffExhaustionIsFatalOnce exercises scenario S5: when
// every reconnect attempt fails, the orchestrator must deliver exactly one
// Fatal OnError once the (here, shrunk) backoff policy is exhausted.
func TestOrchestrator_backoffExhaustionIsFatalOnce(t *testing.T) {
	t.Parallel()

	// Bind then immediately close, so the port refuses every connection
	// attempt deterministically and quickly.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachableURL := "http" + srv.URL[len("http"):]
	srv.Close()

	callbacks := newRecordingCallbacks()
	orch := New(Config{
		PortalURL:      unreachableURL,
		Token:          "test-token",
		Mode:           ModeClient,
		Callbacks:      callbacks,
		TUNDevice:      newFakeTUNDevice("connlib-test2"),
		NetworkManager: &fakeNetworkManager{},
		Backoff: &Backoff{
			Initial: 5 * time.Millisecond,
			Factor:  1,
			Max:     5 * time.Millisecond,
			Cap:     40 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := orch.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(orch.Disconnect)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if callbacks.fatals() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := callbacks.fatals(); got != 1 {
		t.Fatalf("fatal OnError count = %d, want exactly 1", got)
	}
}
