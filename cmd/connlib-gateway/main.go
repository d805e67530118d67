// Command connlib-gateway runs the gateway-side session: it joins a portal
// over the control-plane websocket, brings up a virtual interface shared
// across all client peers, and answers each inbound WebRTC connection
// request with its own per-peer WireGuard session.
//
// Usage:
//
//	sudo connlib-gateway --url wss://portal.example.com --secret <token>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuuji/connlib/internal/config"
	"github.com/kuuji/connlib/internal/session"
	"github.com/kuuji/connlib/internal/statusapi"
	"github.com/kuuji/connlib/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: /etc/connlib/config.toml)")
	url := flag.String("url", "", "portal websocket base URL (overrides config)")
	secret := flag.String("secret", "", "portal auth token (overrides config)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfgPath := *configPath
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultConfigPath()
		if err != nil {
			logger.Error("determining config path", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Error("loading config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Portal.URL = *url
	}
	if *secret != "" {
		cfg.Portal.Token = *secret
	}
	if cfg.Portal.URL == "" {
		logger.Error("portal url is required (--url or portal.url in config)")
		os.Exit(1)
	}
	if cfg.Portal.Token == "" {
		logger.Error("portal secret is required (--secret or portal.token in secrets file)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callbacks := &gatewayCallbacks{log: logger}

	orch := session.New(session.Config{
		PortalURL: cfg.Portal.URL,
		Token:     cfg.Portal.Token,
		Mode:      session.ModeGateway,
		Logger:    logger,
		Callbacks: callbacks,
	})

	if err := orch.Connect(ctx); err != nil {
		logger.Error("connecting", "error", err)
		os.Exit(1)
	}
	defer orch.Disconnect()

	statusSrv := statusapi.NewServer(statusapi.ResolveSocketPath("connlib-gateway"), orch.Status, logger)
	if err := statusSrv.Start(); err != nil {
		logger.Warn("starting status server", "error", err)
	} else {
		defer statusSrv.Stop()
	}

	logger.Info("connlib-gateway running", "portal", cfg.Portal.URL)
	<-ctx.Done()
	logger.Info("connlib-gateway stopped")
}

// gatewayCallbacks logs session notifications. The gateway variant has no
// per-resource routing of its own — resources are advertised by the
// portal to clients, not consumed here — so OnUpdateResources is only
// logged for visibility.
type gatewayCallbacks struct {
	log *slog.Logger
}

func (c *gatewayCallbacks) OnUpdateResources(resources []protocol.ResourceDescription) {
	c.log.Debug("resources notified", "count", len(resources))
}

func (c *gatewayCallbacks) OnSetTunnelAddresses(ipv4, ipv6 string) {
	c.log.Info("tunnel addresses set", "ipv4", ipv4, "ipv6", ipv6)
}

func (c *gatewayCallbacks) OnError(err error, severity session.Severity) {
	if severity == session.Fatal {
		c.log.Error("fatal session error", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c.log.Warn("session error", "error", err)
}
