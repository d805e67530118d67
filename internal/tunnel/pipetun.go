package tunnel

import (
	"errors"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// PipeTUN implements tun.Device as an in-process pipe instead of a kernel
// interface. The Tunnel Engine holds exactly one real kernel TUN (via
// CreateTUN/Adapter); each PeerSession's wireguard-go Device instead binds
// to a PipeTUN, so the engine can feed it one plaintext packet for
// encryption (WriteToPeer) and drain the plaintext it decrypts out of the
// peer's data channel (ReadFromPeer), without wireguard-go ever touching a
// real interface per peer.
type PipeTUN struct {
	name string
	mtu  int

	toWG   chan []byte // engine -> wireguard-go (plaintext to encrypt)
	fromWG chan []byte // wireguard-go -> engine (decrypted plaintext)

	events chan tun.Event

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPipeTUN creates a PipeTUN with the given interface name (for logging
// only; it is never registered with the kernel) and MTU.
func NewPipeTUN(name string, mtu int) *PipeTUN {
	return &PipeTUN{
		name:    name,
		mtu:     mtu,
		toWG:    make(chan []byte, 256),
		fromWG:  make(chan []byte, 256),
		events:  make(chan tun.Event, 1),
		closeCh: make(chan struct{}),
	}
}

// Read implements tun.Device: wireguard-go calls this to pull plaintext
// packets to encrypt. It blocks until the engine calls WriteToPeer or the
// device is closed.
func (p *PipeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case pkt := <-p.toWG:
		n := copy(bufs[0][offset:], pkt)
		sizes[0] = n
		return 1, nil
	case <-p.closeCh:
		return 0, errors.New("pipe tun closed")
	}
}

// Write implements tun.Device: wireguard-go calls this with packets it has
// just decrypted. The engine drains them via ReadFromPeer.
func (p *PipeTUN) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		pkt := make([]byte, len(buf)-offset)
		copy(pkt, buf[offset:])
		select {
		case p.fromWG <- pkt:
		case <-p.closeCh:
			return 0, errors.New("pipe tun closed")
		}
	}
	return len(bufs), nil
}

// WriteToPeer hands one plaintext packet to wireguard-go for encryption.
func (p *PipeTUN) WriteToPeer(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case p.toWG <- cp:
		return nil
	case <-p.closeCh:
		return errors.New("pipe tun closed")
	}
}

// ReadFromPeer returns the next plaintext packet wireguard-go has
// decrypted from this peer's data channel, blocking until one arrives or
// the device is closed.
func (p *PipeTUN) ReadFromPeer() ([]byte, error) {
	select {
	case pkt := <-p.fromWG:
		return pkt, nil
	case <-p.closeCh:
		return nil, errors.New("pipe tun closed")
	}
}

// Name implements tun.Device.
func (p *PipeTUN) Name() (string, error) { return p.name, nil }

// MTU implements tun.Device.
func (p *PipeTUN) MTU() (int, error) { return p.mtu, nil }

// Events implements tun.Device. A PipeTUN's MTU never changes after
// creation, so this never fires beyond the initial close signal.
func (p *PipeTUN) Events() <-chan tun.Event { return p.events }

// BatchSize implements tun.Device: one packet per call.
func (p *PipeTUN) BatchSize() int { return 1 }

// Close implements tun.Device.
func (p *PipeTUN) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		close(p.events)
	})
	return nil
}
