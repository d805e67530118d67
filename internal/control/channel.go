// Package control implements the control-plane channel: a long-lived
// websocket client speaking the Phoenix-style framing used by the portal's
// client/gateway sockets. The channel itself knows nothing about
// reconnection policy — that is owned by the session orchestrator, which
// repeatedly calls Start after a backoff sleep.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/connlib/pkg/protocol"
)

const heartbeatInterval = 30 * time.Second

// IngressHandler receives every non-reply frame the portal pushes.
type IngressHandler func(frame protocol.Frame)

// Config configures a Channel.
type Config struct {
	// URL is the full websocket URL (scheme, host, path, and query
	// parameters already assembled by the orchestrator).
	URL string

	// Header carries any additional headers for the dial (currently unused
	// by the portal protocol, reserved for parity with the teacher's
	// token-bearing dial).
	Header http.Header

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// HeartbeatInterval overrides the Phoenix heartbeat cadence. Zero
	// selects heartbeatInterval (30s); tests shrink this to observe several
	// heartbeats without waiting real minutes.
	HeartbeatInterval time.Duration
}

// Channel is a control-plane websocket client. Construct with New, obtain a
// Sender with Sender, then call Start to connect and run until the socket
// closes.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	ingress IngressHandler

	ref int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan protocol.Frame

	egress chan egressMsg
	closed chan struct{}
	once   sync.Once
}

type egressMsg struct {
	frame protocol.Frame
	reply chan protocol.Frame // non-nil when the caller wants the phx_reply
}

// New constructs a Channel without connecting.
func New(cfg Config, ingress IngressHandler) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		log:     log.With("component", "control"),
		ingress: ingress,
		pending: make(map[int64]chan protocol.Frame),
		egress:  make(chan egressMsg, 64),
		closed:  make(chan struct{}),
	}
}

// Sender is a clonable egress handle. Senders may be obtained before Start
// is called; sends simply queue until the channel connects.
type Sender struct{ ch *Channel }

// Sender returns a Sender bound to this channel.
func (c *Channel) Sender() Sender { return Sender{ch: c} }

// Send posts a fire-and-forget push for topic/event. The zero Sender (not
// yet bound to a Channel, as when the orchestrator hasn't dialed for the
// first time) returns an error rather than sending.
func (s Sender) Send(topic, event string, payload any) error {
	if s.ch == nil {
		return errors.New("control: sender not bound to a channel")
	}
	frame, err := protocol.NewPush(topic, event, payload)
	if err != nil {
		return err
	}
	return s.ch.enqueue(egressMsg{frame: frame})
}

// Request posts a ref-correlated message and waits for its phx_reply, or
// until ctx is done.
func (s Sender) Request(ctx context.Context, topic, event string, payload any) (protocol.Frame, error) {
	if s.ch == nil {
		return protocol.Frame{}, errors.New("control: sender not bound to a channel")
	}
	ref := atomic.AddInt64(&s.ch.ref, 1)
	frame, err := protocol.NewFrame(topic, event, payload, ref)
	if err != nil {
		return protocol.Frame{}, err
	}

	reply := make(chan protocol.Frame, 1)
	s.ch.mu.Lock()
	s.ch.pending[ref] = reply
	s.ch.mu.Unlock()

	if err := s.ch.enqueue(egressMsg{frame: frame, reply: reply}); err != nil {
		s.ch.mu.Lock()
		delete(s.ch.pending, ref)
		s.ch.mu.Unlock()
		return protocol.Frame{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		s.ch.mu.Lock()
		delete(s.ch.pending, ref)
		s.ch.mu.Unlock()
		return protocol.Frame{}, ctx.Err()
	}
}

// JoinTopic sends a phx_join for the given topic.
func (s Sender) JoinTopic(topic string) error {
	return s.Send(topic, protocol.EventPhxJoin, struct{}{})
}

// Close requests that the channel's Start loop terminate.
func (s Sender) Close() {
	s.ch.once.Do(func() { close(s.ch.closed) })
}

func (c *Channel) enqueue(msg egressMsg) error {
	select {
	case c.egress <- msg:
		return nil
	case <-c.closed:
		return errors.New("control channel closed")
	}
}

// Start connects, joins each topic, then runs the reader/writer/heartbeat
// trio until the socket closes, ctx is cancelled, or Sender.Close is
// called. It returns the terminal error, if any (nil on a clean close
// requested by the caller).
func (c *Channel) Start(ctx context.Context, topics []string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return fmt.Errorf("dialing control channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	for _, topic := range topics {
		if err := c.Sender().JoinTopic(topic); err != nil {
			return fmt.Errorf("joining topic %q: %w", topic, err)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 3)
	go func() { errCh <- c.readLoop(runCtx, conn) }()
	go func() { errCh <- c.writeLoop(runCtx, conn) }()
	go func() { errCh <- c.heartbeatLoop(runCtx) }()

	select {
	case <-c.closed:
		return nil
	case err := <-errCh:
		cancelRun()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading control frame: %w", err)
		}

		frame, err := protocol.UnmarshalFrame(data)
		if err != nil {
			c.log.Warn("dropping unparseable frame", "error", err)
			continue
		}

		if frame.Event == protocol.EventPhxReply && frame.Ref != nil {
			c.mu.Lock()
			reply, ok := c.pending[*frame.Ref]
			if ok {
				delete(c.pending, *frame.Ref)
			}
			c.mu.Unlock()

			if !ok {
				c.log.Warn("unmatched phx_reply, dropping", "ref", *frame.Ref)
				continue
			}
			reply <- frame
			continue
		}

		if c.ingress != nil {
			c.ingress(frame)
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case msg := <-c.egress:
			data, err := msg.frame.Marshal()
			if err != nil {
				c.log.Warn("dropping unmarshalable frame", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("writing control frame: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Sender().Send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
