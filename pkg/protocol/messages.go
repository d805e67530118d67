package protocol

import "time"

// TopicDevice is the control-plane topic joined by both the client and the
// gateway variant; the portal disambiguates by which websocket path
// (/client/websocket or /gateway/websocket) the connection was made on.
const TopicDevice = "device"

// Client ingress events (portal -> client).
const (
	EventInit           = "init"
	EventConnect        = "connect"
	EventAddResource    = "add_resource"
	EventRemoveResource = "remove_resource"
	EventUpdateResource = "update_resource"
)

// Client egress events (client -> portal).
const (
	EventListRelays        = "list_relays"
	EventRequestConnection = "request_connection"
)

// Gateway ingress events (portal -> gateway).
const (
	EventConnectionRequest = "connection_request"
)

// Gateway egress events (gateway -> portal).
const (
	EventConnectionReady = "connection_ready"
	EventMetrics         = "metrics"
)

// Interface describes the addresses assigned to the virtual network
// interface by the portal's init message.
type Interface struct {
	IPv4        string   `json:"ipv4"`
	IPv6        string   `json:"ipv6"`
	UpstreamDNS []string `json:"upstream_dns"`
}

// ResourceDescription is a target network reachable through a gateway.
// Address is the DNS name or CIDR the client should intercept traffic for;
// IPv4/IPv6 are the internal mapping addresses used to recognize that
// traffic, not routable endpoints. Identity is Id alone.
type ResourceDescription struct {
	ID      ResourceId `json:"id"`
	Address string     `json:"address,omitempty"`
	IPv4    string     `json:"ipv4"`
	IPv6    string     `json:"ipv6"`
}

// Equal reports identity equality: two resources are equal iff their ids match.
func (r ResourceDescription) Equal(other ResourceDescription) bool {
	return r.ID == other.ID
}

// Peer is a WireGuard peer specification. Exactly one IPv4 and one IPv6
// address (used as /32 and /128 routes) are mandatory.
type Peer struct {
	PublicKey           Key    `json:"public_key"`
	IPv4                string `json:"ipv4"`
	IPv6                string `json:"ipv6"`
	PresharedKey        Key    `json:"preshared_key"`
	PersistentKeepalive *int   `json:"persistent_keepalive,omitempty"`
}

// InitClient is the client-side init payload: the interface to configure
// and the initial authoritative resource set.
type InitClient struct {
	Interface Interface             `json:"interface"`
	Resources []ResourceDescription `json:"resources"`
}

// InitGateway is the gateway-side init payload.
type InitGateway struct {
	Interface             Interface             `json:"interface"`
	IPv4MasqueradeEnabled bool                  `json:"ipv4_masquerade_enabled"`
	IPv6MasqueradeEnabled bool                  `json:"ipv6_masquerade_enabled"`
	Resources             []ResourceDescription `json:"resources"`
}

// Connect is pushed to the client once the gateway has answered an SDP offer.
type Connect struct {
	RTCSDP           string `json:"rtc_sdp"`
	ResourceID       ResourceId `json:"resource_id"`
	GatewayPublicKey Key    `json:"gateway_public_key"`
}

// RemoveResource identifies a resource to drop from the resource table.
type RemoveResource struct {
	ID ResourceId `json:"id"`
}

// RelayType enumerates the two Relay wire variants.
type RelayType string

const (
	RelayStun RelayType = "stun"
	RelayTurn RelayType = "turn"
)

// Relay is a STUN or TURN endpoint handed to the ICE agent. The Turn-only
// fields are empty/zero on a Stun relay and omitted from the wire form.
type Relay struct {
	Type      RelayType `json:"type"`
	URI       string    `json:"uri"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	ExpiresAt *int64    `json:"expires_at,omitempty"`
}

// IsExpired reports whether a Turn relay's credentials have expired as of
// now. Stun relays never expire.
func (r Relay) IsExpired(now time.Time) bool {
	if r.Type != RelayTurn || r.ExpiresAt == nil {
		return false
	}
	return now.Unix() >= *r.ExpiresAt
}

// FreshRelays filters out expired Turn relays, leaving Stun relays and
// still-valid Turn relays untouched. Order is preserved.
func FreshRelays(relays []Relay, now time.Time) []Relay {
	fresh := make([]Relay, 0, len(relays))
	for _, r := range relays {
		if !r.IsExpired(now) {
			fresh = append(fresh, r)
		}
	}
	return fresh
}

// ListRelaysRequest is the client egress "list_relays" request payload.
type ListRelaysRequest struct {
	ResourceID ResourceId `json:"resource_id"`
}

// ListRelaysResponse is the "response" field of the corresponding phx_reply.
type ListRelaysResponse struct {
	Relays     []Relay    `json:"relays"`
	ResourceID ResourceId `json:"resource_id"`
}

// RequestConnection is the client egress "request_connection" payload: an
// SDP offer plus the resource the client wants to reach.
type RequestConnection struct {
	ResourceID ResourceId `json:"resource_id"`
	RTCSDP     string     `json:"rtc_sdp"`
}

// ConnectionRequestClient identifies the requesting client and its peer
// spec within a gateway-ingress ConnectionRequest.
type ConnectionRequestClient struct {
	ID   ClientId `json:"id"`
	Peer Peer     `json:"peer"`
}

// ConnectionRequest is the gateway ingress "connection_request" payload:
// the portal forwarding a client's SDP offer to the chosen gateway.
type ConnectionRequest struct {
	UserID   Id                      `json:"user_id"`
	Client   ConnectionRequestClient `json:"client"`
	RTCSDP   string                  `json:"rtc_sdp"`
	Relays   []Relay                 `json:"relays"`
	Resource ResourceDescription     `json:"resource"`
}

// ConnectionReady is the gateway egress "connection_ready" payload: the
// gateway's SDP answer for a given client.
type ConnectionReady struct {
	ClientID      ClientId `json:"client_id"`
	GatewayRTCSDP string   `json:"gateway_rtc_sdp"`
}

// PeerMetric is one entry of a gateway "metrics" payload.
type PeerMetric struct {
	ClientID   ClientId   `json:"client_id"`
	ResourceID ResourceId `json:"resource_id"`
	RxBytes    uint64     `json:"rx_bytes"`
	TxBytes    uint64     `json:"tx_bytes"`
}

// Metrics is the gateway egress "metrics" payload, emitted every 10 seconds.
type Metrics struct {
	PeersMetrics []PeerMetric `json:"peers_metrics"`
}
