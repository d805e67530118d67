package tunnel

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.zx2c4.com/wireguard/conn"
)

// DataChannelBind implements conn.Bind by transporting a single peer's
// WireGuard packets over one WebRTC data channel. Each PeerSession owns
// exactly one Device and one DataChannelBind: unlike a UDP socket shared
// across many remote endpoints, the data channel already identifies the
// remote peer, so there is no per-packet endpoint routing to do.
type DataChannelBind struct {
	mu sync.RWMutex
	dc *webrtc.DataChannel

	log *slog.Logger

	recvCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewDataChannelBind creates a Bind with no data channel attached yet. Call
// SetDataChannel once the WebRTC data channel opens.
func NewDataChannelBind(logger *slog.Logger) *DataChannelBind {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataChannelBind{
		log:     logger.With("component", "bind"),
		recvCh:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}
}

// SetDataChannel attaches the data channel this Bind sends to and receives
// from. Incoming messages are queued for wireguard-go's ReceiveFunc to drain.
func (b *DataChannelBind) SetDataChannel(dc *webrtc.DataChannel) {
	b.mu.Lock()
	b.dc = dc
	b.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)

		select {
		case b.recvCh <- data:
		case <-b.closeCh:
		default:
			b.log.Debug("dropping packet, receive buffer full")
		}
	})
}

// Open implements conn.Bind. The port parameter is ignored; there is no
// real UDP socket underneath.
func (b *DataChannelBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.closeOnce = sync.Once{}
	b.closeCh = make(chan struct{})

	fn := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case pkt, ok := <-b.recvCh:
			if !ok {
				return 0, net.ErrClosed
			}
			n := copy(packets[0], pkt)
			sizes[0] = n
			eps[0] = peerEndpoint{}
			return 1, nil
		case <-b.closeCh:
			return 0, net.ErrClosed
		}
	}

	return []conn.ReceiveFunc{fn}, 0, nil
}

// Close implements conn.Bind.
func (b *DataChannelBind) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	return nil
}

// Send implements conn.Bind: writes each buffer to the attached data channel.
func (b *DataChannelBind) Send(bufs [][]byte, _ conn.Endpoint) error {
	b.mu.RLock()
	dc := b.dc
	b.mu.RUnlock()

	if dc == nil {
		return errors.New("data channel not yet attached")
	}

	for _, buf := range bufs {
		if err := dc.Send(buf); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint implements conn.Bind. There is exactly one remote peer per
// Bind, so the endpoint carries no routing information.
func (b *DataChannelBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return peerEndpoint{}, nil
}

// SetMark implements conn.Bind. No-op: no real socket to mark.
func (b *DataChannelBind) SetMark(mark uint32) error {
	return nil
}

// BatchSize implements conn.Bind. One packet at a time.
func (b *DataChannelBind) BatchSize() int {
	return 1
}

// peerEndpoint implements conn.Endpoint as a singleton: since a
// DataChannelBind carries exactly one remote peer, there is nothing to
// distinguish between endpoints.
type peerEndpoint struct{}

func (peerEndpoint) ClearSrc()               {}
func (peerEndpoint) SrcToString() string     { return "" }
func (peerEndpoint) DstToString() string     { return "data-channel" }
func (peerEndpoint) DstToBytes() []byte      { return []byte("data-channel") }
func (peerEndpoint) DstIP() netip.Addr       { return netip.Addr{} }
func (peerEndpoint) SrcIP() netip.Addr       { return netip.Addr{} }
