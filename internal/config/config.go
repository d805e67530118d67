package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/connlib/pkg/protocol"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for connlib.
const DefaultConfigDir = "/etc/connlib"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Mode selects whether a session runs as a client or a gateway. The portal
// websocket path and the InitClient/InitGateway handshake both depend on it.
type Mode string

const (
	ModeClient  Mode = "client"
	ModeGateway Mode = "gateway"
)

// Config is the top-level configuration for connlib. It is persisted as a
// TOML file at DefaultConfigPath(). connlib-client up fails if the file
// cannot be loaded; of its fields, only the portal URL and token can be
// overridden by CLI flags (--url, --secret).
type Config struct {
	Portal PortalConfig `toml:"portal"`
	Device DeviceConfig `toml:"device"`
	STUN   STUNConfig   `toml:"stun"`
	WebRTC WebRTCConfig `toml:"webrtc"`
}

// PortalConfig identifies the control-plane portal this session joins.
type PortalConfig struct {
	// URL is the base HTTPS/WSS URL of the portal (e.g. "wss://portal.example.com").
	// The websocket path (/client/websocket or /gateway/websocket) and the
	// token/public_key/external_id query parameters are appended at dial time.
	URL string `toml:"url"`

	// Mode records the session variant: "client" or "gateway". The binaries
	// do not read it: connlib-client always runs as a client and
	// connlib-gateway as a gateway.
	Mode Mode `toml:"mode"`

	// Token is the portal-issued secret used to authenticate the websocket
	// connection. It never appears in config.toml — only in secrets.toml.
	Token string `toml:"token"`
}

// DeviceConfig identifies this device's cryptographic identity.
type DeviceConfig struct {
	// PrivateKey is the WireGuard Curve25519 private key for this device.
	// It is stored as base64 and decoded via protocol.Key.UnmarshalText.
	// The session runtime does not read it: every session generates a fresh
	// key at startup and never persists it.
	PrivateKey protocol.Key `toml:"private_key"`

	// ForceRelay records the setup command's force-relay choice. The session
	// runtime does not read it, so it does not restrict WebRTC connections
	// to the TURN relay.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// STUNConfig lists STUN servers for ICE NAT traversal. The session runtime
// does not read them: ICE servers come only from the Relay list the portal
// supplies with each connection request.
type STUNConfig struct {
	// Servers is a list of STUN server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string `toml:"servers"`
}

// WebRTCConfig holds data channel settings. The session runtime does not
// read them: internal/webrtc always creates data channels unordered with
// zero retransmits.
type WebRTCConfig struct {
	// Ordered controls whether the data channel delivers messages in order.
	// Must be false for WireGuard (UDP-like behavior).
	Ordered bool `toml:"ordered"`

	// MaxRetransmits is the maximum number of retransmission attempts for the
	// data channel. Must be 0 for WireGuard (unreliable delivery).
	MaxRetransmits int `toml:"max_retransmits"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Portal portalConfigFile `toml:"portal"`
	Device devConfigFile    `toml:"device"`
	STUN   STUNConfig       `toml:"stun"`
	WebRTC WebRTCConfig     `toml:"webrtc"`
}

type portalConfigFile struct {
	URL  string `toml:"url"`
	Mode Mode   `toml:"mode"`
}

type devConfigFile struct {
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user).
type secretsFile struct {
	Portal portalSecretsFile `toml:"portal"`
	Device devSecretsFile    `toml:"device"`
}

type portalSecretsFile struct {
	Token string `toml:"token"`
}

type devSecretsFile struct {
	PrivateKey protocol.Key `toml:"private_key"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Portal: portalConfigFile{
			URL:  cfg.Portal.URL,
			Mode: cfg.Portal.Mode,
		},
		Device: devConfigFile{
			ForceRelay: cfg.Device.ForceRelay,
		},
		STUN:   cfg.STUN,
		WebRTC: cfg.WebRTC,
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Portal: portalSecretsFile{
			Token: cfg.Portal.Token,
		},
		Device: devSecretsFile{
			PrivateKey: cfg.Device.PrivateKey,
		},
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Portal.Token = s.Portal.Token
	cfg.Device.PrivateKey = s.Device.PrivateKey
}

// DefaultConfig returns a Config populated with sensible defaults. Portal
// and secret fields are left empty and must be filled in by the user, by
// CLI flags, or generated fresh (PrivateKey).
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		WebRTC: WebRTCConfig{
			Ordered:        false,
			MaxRetransmits: 0,
		},
	}
}

// DefaultConfigPath returns the default path for the connlib config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the connlib secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it
// returns an error wrapping fs.ErrNotExist. If secrets.toml does not exist,
// the secret fields are left at their zero values.
//
// For commands that explicitly do not need secrets, use LoadPublicConfig.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration).
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. Best-effort: errors are
// silently ignored because the file is already written and root can always
// access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// PublicKey derives the WireGuard public key from the device's private key.
// Returns an error if the private key is not set.
func (c *Config) PublicKey() (protocol.Key, error) {
	if c.Device.PrivateKey.IsZero() {
		return protocol.Key{}, errors.New("device private key is not set")
	}
	return protocol.PublicKey(c.Device.PrivateKey), nil
}

// ParseTOML decodes a TOML config from a string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0664)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0660)
		applyUserOwnership(secretsPath)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Portal.Mode == "" {
		cfg.Portal.Mode = ModeClient
	}
}
