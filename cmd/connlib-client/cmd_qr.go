package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/connlib/internal/config"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Display a QR code for the portal hostname",
	Long: `Displays a QR code containing the portal hostname, so a mobile device
can be paired without typing the address manually.

Requires an existing configuration (run 'connlib-client setup' first).`,
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	cfg, err := config.LoadPublicConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w (run 'connlib-client setup' first)", err)
	}
	if cfg.Portal.URL == "" {
		return fmt.Errorf("portal.url not configured — run 'connlib-client setup' first")
	}

	host, err := extractHostname(cfg.Portal.URL)
	if err != nil {
		return fmt.Errorf("parsing portal url: %w", err)
	}

	qr, err := qrcode.New(host, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Portal: %s\n", host)

	return nil
}

func extractHostname(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in URL %q", rawURL)
	}
	return u.Host, nil
}
