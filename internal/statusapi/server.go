// Package statusapi provides a Unix socket HTTP server for querying a
// running connlib session. The orchestrator process starts the server as
// part of its lifecycle, and the `status` CLI subcommand connects to it.
//
// Named statusapi (rather than reusing the teacher's "control" name) since
// the portal websocket channel already owns internal/control in this
// module.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ResolveSocketPath returns the socket path for the status server.
//
// connlib runs as root on the gateway and as the invoking user on the
// client, so the socket is placed in the system runtime directory when
// available and falls back to /tmp otherwise.
func ResolveSocketPath(binaryName string) string {
	if runtime.GOOS == "darwin" {
		dir := "/var/run/" + binaryName
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return filepath.Join(dir, "control.sock")
		}
		return filepath.Join("/tmp", binaryName, "control.sock")
	}

	dir := "/run/" + binaryName
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return filepath.Join(dir, "control.sock")
	}
	return filepath.Join("/tmp", binaryName, "control.sock")
}

// Status is the overall session status returned by the /status endpoint.
type Status struct {
	Mode          string       `json:"mode"`
	Interface     string       `json:"interface"`
	IPv4          string       `json:"ipv4"`
	IPv6          string       `json:"ipv6"`
	PortalURL     string       `json:"portal_url"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Peers         []PeerStatus `json:"peers"`
}

// PeerStatus is the status of a single peer session.
type PeerStatus struct {
	ClientID          string `json:"client_id"`
	AllowedIPv4       string `json:"allowed_ipv4"`
	AllowedIPv6       string `json:"allowed_ipv6"`
	RxBytes           uint64 `json:"rx_bytes"`
	TxBytes           uint64 `json:"tx_bytes"`
	LastHandshakeUnix int64  `json:"last_handshake_unix"`
}

// StatusProvider returns the current session status.
type StatusProvider func() Status

// Server is an HTTP server that listens on a Unix domain socket and serves
// session status as JSON.
type Server struct {
	socketPath string
	provider   StatusProvider
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new status server.
func NewServer(socketPath string, provider StatusProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		provider:   provider,
		log:        logger.With("component", "statusapi"),
	}
}

// Start begins listening on the Unix socket and serving HTTP requests in
// the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server error", "error", err)
		}
	}()

	s.log.Info("status server started", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("status server shutdown", "error", err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.provider()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encoding status response", "error", err)
	}
}

// FetchStatus connects to a running status server and returns its status.
// Used by the `status` CLI subcommand.
func FetchStatus(socketPath string) (*Status, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://connlib/status")
	if err != nil {
		return nil, fmt.Errorf("connecting to status socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
}
