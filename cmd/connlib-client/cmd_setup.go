package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/connlib/internal/config"
	"github.com/kuuji/connlib/pkg/protocol"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure this device",
	Long: `Interactive setup wizard: prompts for the portal URL and auth token,
generates a fresh WireGuard key pair, and writes config.toml/secrets.toml.

If connlib-client is already configured, setup refuses to overwrite
config unless --force is given.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing configuration")
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !setupForce {
		return fmt.Errorf("already configured at %s (use --force to redo setup)", cfgPath)
	}

	cfg := config.DefaultConfig()

	var forceRelay bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Portal URL").
				Description("The wss:// or https:// base URL of your connlib portal").
				Value(&cfg.Portal.URL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("portal URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Portal auth token").
				Description("Issued by the portal when this device was registered").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Portal.Token).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("auth token is required")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Force all connections through the TURN relay?").
				Description("Useful behind restrictive NATs/firewalls; otherwise direct ICE candidates are preferred").
				Value(&forceRelay),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	cfg.Device.ForceRelay = forceRelay

	privKey, err := protocol.GeneratePrivateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating WireGuard key: %w", err)
	}
	cfg.Device.PrivateKey = privKey

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	if err := config.SaveSecrets(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving secrets: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfiguration written to %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Public key: %s\n", protocol.PublicKey(privKey).String())
	fmt.Fprintf(os.Stderr, "Run 'connlib-client up' to connect.\n")

	return nil
}
