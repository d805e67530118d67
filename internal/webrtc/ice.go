package webrtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/kuuji/connlib/pkg/protocol"
)

// ICEConfig carries the ICE server set for a single Peer, drawn from the
// portal's list-relays response rather than static configuration — relays
// are short-lived, per-resource-request credentials handed out by the
// gateway side's TURN REST integration.
type ICEConfig struct {
	Relays []protocol.Relay

	// ForceRelay restricts ICE candidate gathering to relay candidates only.
	// The orchestrator builds ICEConfig from the portal's relays alone and
	// never sets it; the config file's force_relay is not read here.
	ForceRelay bool
}

// pionICEServers converts the relay set into pion's ICEServer shape. STUN
// relays carry no credentials; TURN relays carry the REST-derived
// username/password pair.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Relays))
	for _, r := range c.Relays {
		s := webrtc.ICEServer{URLs: []string{r.URI}}
		if r.Type == protocol.RelayTurn {
			s.Username = r.Username
			s.Credential = r.Password
		}
		servers = append(servers, s)
	}
	return servers
}
