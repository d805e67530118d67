package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrame_MarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	frame, err := NewFrame(TopicDevice, EventListRelays, ListRelaysRequest{
		ResourceID: mustParseId(t, "f16ecfa0-a94f-4bfd-a2ef-1cc1f2ef3da3"),
	}, 1)
	if err != nil {
		t.Fatalf("NewFrame() error: %v", err)
	}

	raw, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	decoded, err := UnmarshalFrame(raw)
	if err != nil {
		t.Fatalf("UnmarshalFrame() error: %v", err)
	}

	if decoded.Topic != frame.Topic || decoded.Event != frame.Event {
		t.Errorf("topic/event mismatch: got %+v, want %+v", decoded, frame)
	}
	if decoded.Ref == nil || *decoded.Ref != *frame.Ref {
		t.Errorf("ref mismatch: got %v, want %v", decoded.Ref, frame.Ref)
	}

	var req ListRelaysRequest
	if err := decoded.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	var want ListRelaysRequest
	_ = frame.DecodePayload(&want)
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("payload round trip mismatch (-want +got):\n%s", diff)
	}

	// Re-serializing should produce a semantically identical frame
	// (invariant 3: serialize(deserialize(frame)) == frame modulo key order).
	reencoded, err := decoded.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal() error: %v", err)
	}
	var a, b map[string]any
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatalf("unmarshal original into map: %v", err)
	}
	if err := json.Unmarshal(reencoded, &b); err != nil {
		t.Fatalf("unmarshal re-encoded into map: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("frame not stable across round trip (-original +reencoded):\n%s", diff)
	}
}

func TestFrame_NewPush_hasNilRef(t *testing.T) {
	t.Parallel()

	frame, err := NewPush(TopicPhoenix, EventHeartbeat, struct{}{})
	if err != nil {
		t.Fatalf("NewPush() error: %v", err)
	}
	if frame.Ref != nil {
		t.Errorf("push frame should have a nil ref, got %v", *frame.Ref)
	}
}

// TestFrame_S2_listRelaysReply exercises scenario S2 from the specification:
// the orchestrator sends a list_relays request and the portal's phx_reply is
// correlated back to a one-element relay list.
func TestFrame_S2_listRelaysReply(t *testing.T) {
	t.Parallel()

	replyJSON := []byte(`{"topic":"device","event":"phx_reply","payload":{"status":"ok","response":{"relays":[{"type":"stun","uri":"stun:189.172.73.111:3478"}],"resource_id":"f16ecfa0-a94f-4bfd-a2ef-1cc1f2ef3da3"}},"ref":1}`)

	frame, err := UnmarshalFrame(replyJSON)
	if err != nil {
		t.Fatalf("UnmarshalFrame() error: %v", err)
	}
	if frame.Event != EventPhxReply {
		t.Fatalf("event = %q, want %q", frame.Event, EventPhxReply)
	}
	if frame.Ref == nil || *frame.Ref != 1 {
		t.Fatalf("ref = %v, want 1", frame.Ref)
	}

	var resp ListRelaysResponse
	status, err := frame.DecodeReply(&resp)
	if err != nil {
		t.Fatalf("DecodeReply() error: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("status = %q, want %q", status, StatusOK)
	}
	if len(resp.Relays) != 1 {
		t.Fatalf("relays = %v, want exactly one", resp.Relays)
	}
	if resp.Relays[0].Type != RelayStun || resp.Relays[0].URI != "stun:189.172.73.111:3478" {
		t.Errorf("relay = %+v, unexpected shape", resp.Relays[0])
	}
}

func mustParseId(t *testing.T, s string) Id {
	t.Helper()
	id, err := ParseId(s)
	if err != nil {
		t.Fatalf("ParseId(%q) error: %v", s, err)
	}
	return id
}
