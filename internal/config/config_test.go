package config

import (
	"crypto/rand"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kuuji/connlib/pkg/protocol"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.WebRTC.Ordered {
		t.Error("default WebRTC.Ordered should be false")
	}
	if cfg.WebRTC.MaxRetransmits != 0 {
		t.Errorf("default WebRTC.MaxRetransmits = %d, want 0", cfg.WebRTC.MaxRetransmits)
	}
	if len(cfg.STUN.Servers) != len(DefaultSTUNServers) {
		t.Errorf("default STUN servers count = %d, want %d", len(cfg.STUN.Servers), len(DefaultSTUNServers))
	}
	for i, s := range cfg.STUN.Servers {
		if s != DefaultSTUNServers[i] {
			t.Errorf("STUN server[%d] = %q, want %q", i, s, DefaultSTUNServers[i])
		}
	}
}

func TestSaveAndLoadConfig_roundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "connlib", "config.toml")
	secretsPath := filepath.Join(dir, "connlib", "secrets.toml")

	priv, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}

	original := &Config{
		Portal: PortalConfig{
			URL:   "wss://portal.example.com",
			Mode:  ModeClient,
			Token: "portal-secret-token",
		},
		Device: DeviceConfig{
			PrivateKey: priv,
			ForceRelay: true,
		},
		STUN: STUNConfig{
			Servers: []string{
				"stun:stun.cloudflare.com:3478",
				"stun:stun.l.google.com:19302",
			},
		},
		WebRTC: WebRTCConfig{
			Ordered:        false,
			MaxRetransmits: 0,
		},
	}

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0664 {
		t.Errorf("config.toml permissions = %o, want 0664", perm)
	}

	sInfo, err := os.Stat(secretsPath)
	if err != nil {
		t.Fatalf("secrets file not created: %v", err)
	}
	if perm := sInfo.Mode().Perm(); perm != 0660 {
		t.Errorf("secrets.toml permissions = %o, want 0660", perm)
	}

	cfgData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config.toml: %v", err)
	}
	if strings.Contains(string(cfgData), "portal-secret-token") {
		t.Error("config.toml contains the portal token — should be in secrets.toml only")
	}

	secData, err := os.ReadFile(secretsPath)
	if err != nil {
		t.Fatalf("reading secrets.toml: %v", err)
	}
	if !strings.Contains(string(secData), "portal-secret-token") {
		t.Error("secrets.toml does not contain the expected portal token")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if loaded.Portal.URL != original.Portal.URL {
		t.Errorf("Portal.URL = %q, want %q", loaded.Portal.URL, original.Portal.URL)
	}
	if loaded.Portal.Mode != original.Portal.Mode {
		t.Errorf("Portal.Mode = %q, want %q", loaded.Portal.Mode, original.Portal.Mode)
	}
	if loaded.Portal.Token != original.Portal.Token {
		t.Errorf("Portal.Token = %q, want %q", loaded.Portal.Token, original.Portal.Token)
	}
	if loaded.Device.PrivateKey != original.Device.PrivateKey {
		t.Errorf("Device.PrivateKey mismatch")
	}
	if loaded.Device.ForceRelay != original.Device.ForceRelay {
		t.Errorf("Device.ForceRelay = %v, want %v", loaded.Device.ForceRelay, original.Device.ForceRelay)
	}
	if len(loaded.STUN.Servers) != len(original.STUN.Servers) {
		t.Fatalf("STUN servers count = %d, want %d", len(loaded.STUN.Servers), len(original.STUN.Servers))
	}
	for i, s := range loaded.STUN.Servers {
		if s != original.STUN.Servers[i] {
			t.Errorf("STUN server[%d] = %q, want %q", i, s, original.STUN.Servers[i])
		}
	}
}

func TestLoadConfig_fileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Fatal("LoadConfig() expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got: %v", err)
	}
}

func TestLoadConfig_appliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[portal]
url = "wss://portal.example.com"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing minimal config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if len(cfg.STUN.Servers) != len(DefaultSTUNServers) {
		t.Errorf("STUN servers count = %d, want %d (defaults)", len(cfg.STUN.Servers), len(DefaultSTUNServers))
	}
	if cfg.Portal.Mode != ModeClient {
		t.Errorf("Portal.Mode = %q, want default %q", cfg.Portal.Mode, ModeClient)
	}
}

func TestLoadConfig_preservesExplicitSTUN(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[portal]
url = "wss://portal.example.com"

[stun]
servers = ["stun:custom.example.com:3478"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if len(cfg.STUN.Servers) != 1 || cfg.STUN.Servers[0] != "stun:custom.example.com:3478" {
		t.Errorf("STUN servers = %v, want [stun:custom.example.com:3478]", cfg.STUN.Servers)
	}
}

func TestConfig_PublicKey(t *testing.T) {
	t.Parallel()

	priv, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}

	cfg := &Config{
		Device: DeviceConfig{
			PrivateKey: priv,
		},
	}

	pub, err := cfg.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error: %v", err)
	}

	expected := protocol.PublicKey(priv)
	if pub != expected {
		t.Errorf("PublicKey mismatch")
	}
}

func TestConfig_PublicKey_noPrivateKey(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	_, err := cfg.PublicKey()
	if err == nil {
		t.Fatal("PublicKey() expected error when private key is not set")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Parallel()
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error: %v", err)
	}
	want := "/etc/connlib/config.toml"
	if path != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", path, want)
	}
}

func TestSaveConfig_createsParentDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "nested", "config.toml")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created at nested path: %v", err)
	}
}

func TestKeyInTOML_roundTrip(t *testing.T) {
	t.Parallel()

	priv, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Device.PrivateKey = priv

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if loaded.Device.PrivateKey != priv {
		t.Errorf("Key TOML round-trip failed:\n got  %s\n want %s",
			loaded.Device.PrivateKey, priv)
	}
}

func TestLoadPublicConfig_noSecrets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	priv, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}

	original := &Config{
		Portal: PortalConfig{
			URL:   "wss://portal.example.com",
			Mode:  ModeGateway,
			Token: "secret-tok",
		},
		Device: DeviceConfig{
			PrivateKey: priv,
		},
	}

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	cfg, err := LoadPublicConfig(path)
	if err != nil {
		t.Fatalf("LoadPublicConfig() error: %v", err)
	}

	if cfg.Portal.URL != original.Portal.URL {
		t.Errorf("URL = %q, want %q", cfg.Portal.URL, original.Portal.URL)
	}
	if cfg.Portal.Mode != original.Portal.Mode {
		t.Errorf("Mode = %q, want %q", cfg.Portal.Mode, original.Portal.Mode)
	}

	if cfg.Portal.Token != "" {
		t.Errorf("LoadPublicConfig() Token = %q, want empty", cfg.Portal.Token)
	}
	if !cfg.Device.PrivateKey.IsZero() {
		t.Errorf("LoadPublicConfig() PrivateKey should be zero")
	}
}

func TestSaveSecrets_onlyWritesSecrets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	secretsPath := filepath.Join(dir, "secrets.toml")

	cfg := DefaultConfig()
	cfg.Portal.Token = "original-token"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	cfg.Portal.Token = "rotated-token"
	if err := SaveSecrets(path, cfg); err != nil {
		t.Fatalf("SaveSecrets() error: %v", err)
	}

	secData, err := os.ReadFile(secretsPath)
	if err != nil {
		t.Fatalf("reading secrets.toml: %v", err)
	}
	if !strings.Contains(string(secData), "rotated-token") {
		t.Error("secrets.toml should contain rotated token")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.Portal.Token != "rotated-token" {
		t.Errorf("Token = %q, want %q", loaded.Portal.Token, "rotated-token")
	}
}

func TestSecretsPathFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"/etc/connlib/config.toml", "/etc/connlib/secrets.toml"},
		{"/tmp/test/config.toml", "/tmp/test/secrets.toml"},
		{"config.toml", "secrets.toml"},
	}

	for _, tt := range tests {
		got := SecretsPathFromConfig(tt.input)
		if got != tt.want {
			t.Errorf("SecretsPathFromConfig(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
