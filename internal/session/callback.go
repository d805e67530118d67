// Package session fuses the control-plane channel, the tunnel engine, and
// peer sessions into the orchestrated runtime an embedding host drives:
// connect/disconnect plus a callback surface for resource, address, and
// error notifications.
package session

import "github.com/kuuji/connlib/pkg/protocol"

// Severity classifies an error delivered through the Host Callback Surface.
// Fatal implies the session is about to terminate; Recoverable means the
// orchestrator or tunnel engine is retrying or has already contained the
// fault.
type Severity int

const (
	Recoverable Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Callbacks is the abstract capability set an embedding host implements.
// All methods must be cheap and non-blocking: the orchestrator and tunnel
// engine call them synchronously from their own goroutines and offer no
// ordering guarantee across callback kinds, only within one kind.
type Callbacks interface {
	// OnUpdateResources is called with the full authoritative resource set
	// every time it changes: initial init, an add_resource or
	// update_resource (applied by id), or a remove_resource. The orchestrator
	// maintains the running table; this is always the complete set, never a
	// delta.
	OnUpdateResources(resources []protocol.ResourceDescription)

	// OnSetTunnelAddresses is called once after init and again on any
	// readdressing (a fresh init message carrying a different Interface).
	OnSetTunnelAddresses(ipv4, ipv6 string)

	// OnError reports a fault. A Fatal severity means the session is
	// already shutting down or about to.
	OnError(err error, severity Severity)
}

// NoopCallbacks implements Callbacks with no-op methods, useful for tests
// and hosts that only care about a subset of notifications.
type NoopCallbacks struct{}

func (NoopCallbacks) OnUpdateResources([]protocol.ResourceDescription) {}
func (NoopCallbacks) OnSetTunnelAddresses(ipv4, ipv6 string)           {}
func (NoopCallbacks) OnError(err error, severity Severity)             {}
