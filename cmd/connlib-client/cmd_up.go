package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/connlib/internal/config"
	"github.com/kuuji/connlib/internal/session"
	"github.com/kuuji/connlib/internal/statusapi"
	"github.com/kuuji/connlib/pkg/protocol"
)

var (
	upURL    string
	upSecret string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to the portal",
	Long: `Start the connlib client: bring up a virtual interface, join the portal
over its control-plane websocket, and establish WireGuard sessions with
the gateways this client is authorized to reach.

Requires CAP_NET_ADMIN to create the TUN device.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upURL, "url", "", "portal websocket base URL (overrides config)")
	upCmd.Flags().StringVar(&upSecret, "secret", "", "portal auth token (overrides config)")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if upURL != "" {
		cfg.Portal.URL = upURL
	}
	if upSecret != "" {
		cfg.Portal.Token = upSecret
	}
	if cfg.Portal.URL == "" {
		return fmt.Errorf("portal url is required (--url or portal.url in config)")
	}
	if cfg.Portal.Token == "" {
		return fmt.Errorf("portal secret is required (--secret or portal.token in secrets file)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callbacks := &cliCallbacks{log: globalLogger}

	orch := session.New(session.Config{
		PortalURL: cfg.Portal.URL,
		Token:     cfg.Portal.Token,
		Mode:      session.ModeClient,
		Logger:    globalLogger,
		Callbacks: callbacks,
	})

	if err := orch.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer orch.Disconnect()

	statusSrv := statusapi.NewServer(statusapi.ResolveSocketPath("connlib-client"), orch.Status, globalLogger)
	if err := statusSrv.Start(); err != nil {
		globalLogger.Warn("starting status server", "error", err)
	} else {
		defer statusSrv.Stop()
	}

	globalLogger.Info("connlib-client running", "portal", cfg.Portal.URL)
	<-ctx.Done()
	globalLogger.Info("connlib-client stopped")
	return nil
}

// cliCallbacks logs every notification from the orchestrator. A richer
// host embedding connlib would route resources/addresses into its own
// routing table instead.
type cliCallbacks struct {
	log *slog.Logger
}

func (c *cliCallbacks) OnUpdateResources(resources []protocol.ResourceDescription) {
	c.log.Info("resources updated", "count", len(resources))
}

func (c *cliCallbacks) OnSetTunnelAddresses(ipv4, ipv6 string) {
	c.log.Info("tunnel addresses set", "ipv4", ipv4, "ipv6", ipv6)
}

func (c *cliCallbacks) OnError(err error, severity session.Severity) {
	if severity == session.Fatal {
		c.log.Error("fatal session error", "error", err)
		return
	}
	c.log.Warn("session error", "error", err)
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag if
// set, otherwise the default system path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
