package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label used for the WireGuard tunnel data channel.
const DataChannelLabel = "connlib"

// dataChannelConfig returns the pion DataChannelInit configured for
// unreliable, unordered delivery — mimicking raw UDP behavior. WireGuard
// handles its own reliability; reliable/ordered delivery here would cause
// head-of-line blocking in the noise layer above it.
func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := false
	maxRetransmits := uint16(0)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	}
}
