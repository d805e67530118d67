package tunnel

import (
	"bufio"
	"strconv"
	"strings"
)

// PeerStats is the subset of wireguard-go's IpcGet peer section this
// package cares about: enough to drive the update_timers poll (has a
// handshake completed recently? how much traffic has flowed?) without
// reaching into wireguard-go's internals.
type PeerStats struct {
	RxBytes             uint64
	TxBytes             uint64
	LastHandshakeUnix   int64
	PersistentKeepalive int
}

// IpcGet returns the raw UAPI/IPC device dump, the same text format IpcSet
// consumes.
func (d *Device) IpcGet() (string, error) {
	return d.wgDev.IpcGet()
}

// ParsePeerStats extracts the single-peer statistics section from a
// device's IpcGet dump. Since each Device here is privately bound to
// exactly one remote peer (per the one-Device-per-PeerSession design),
// there is at most one peer section to find.
func ParsePeerStats(uapi string) (PeerStats, bool) {
	var stats PeerStats
	found := false

	scanner := bufio.NewScanner(strings.NewReader(uapi))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			found = true
		case "rx_bytes":
			stats.RxBytes, _ = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			stats.TxBytes, _ = strconv.ParseUint(value, 10, 64)
		case "last_handshake_time_sec":
			stats.LastHandshakeUnix, _ = strconv.ParseInt(value, 10, 64)
		case "persistent_keepalive_interval":
			n, _ := strconv.Atoi(value)
			stats.PersistentKeepalive = n
		}
	}

	return stats, found
}
