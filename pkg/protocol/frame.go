package protocol

import (
	"encoding/json"
	"fmt"
)

// Phoenix channel topics and events used by the control-plane channel.
const (
	TopicPhoenix = "phoenix"

	EventPhxJoin  = "phx_join"
	EventPhxReply = "phx_reply"
	EventPhxError = "phx_error"
	EventPhxClose = "phx_close"
	EventHeartbeat = "heartbeat"
)

// Reply statuses carried in a phx_reply payload.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is a single Phoenix-style control-plane message:
//
//	{"topic": "client", "event": "init", "payload": {...}, "ref": 4}
//
// Ref correlates a request with its eventual phx_reply; it is omitted
// (nil) for server-initiated pushes that expect no reply.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *int64          `json:"ref"`
}

// ReplyPayload is the payload shape of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// NewFrame builds a Frame carrying the JSON encoding of payload, with ref
// set to a non-nil request reference.
func NewFrame(topic, event string, payload any, ref int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding payload for %s/%s: %w", topic, event, err)
	}
	return Frame{Topic: topic, Event: event, Payload: raw, Ref: &ref}, nil
}

// NewPush builds a Frame with no reply reference — a fire-and-forget push.
func NewPush(topic, event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding payload for %s/%s: %w", topic, event, err)
	}
	return Frame{Topic: topic, Event: event, Payload: raw}, nil
}

// Marshal encodes the frame as JSON for transmission.
func (f Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}

// UnmarshalFrame decodes a raw websocket message into a Frame.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// DecodePayload decodes the frame's payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s/%s payload: %w", f.Topic, f.Event, err)
	}
	return nil
}

// DecodeReply decodes the frame as a phx_reply, returning the reply status
// and leaving Response decoded into v (skipped if v is nil or the reply
// carries no response body).
func (f Frame) DecodeReply(v any) (status string, err error) {
	var reply ReplyPayload
	if err := f.DecodePayload(&reply); err != nil {
		return "", err
	}
	if v != nil && len(reply.Response) > 0 {
		if err := json.Unmarshal(reply.Response, v); err != nil {
			return reply.Status, fmt.Errorf("decoding reply response: %w", err)
		}
	}
	return reply.Status, nil
}
