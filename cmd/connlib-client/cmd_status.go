package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/connlib/internal/statusapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long:  `Query the running connlib-client process and display connected peers and tunnel addresses.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := statusapi.FetchStatus(statusapi.ResolveSocketPath("connlib-client"))
	if err != nil {
		return fmt.Errorf("is connlib-client running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Interface: %s\n", status.Interface)
	fmt.Fprintf(os.Stdout, "Address:   %s / %s\n", status.IPv4, status.IPv6)
	fmt.Fprintf(os.Stdout, "Portal:    %s\n", status.PortalURL)
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Peers:     %d\n", len(status.Peers))
	fmt.Println()

	if len(status.Peers) == 0 {
		fmt.Println("No peers connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT ID\tALLOWED IPV4\tALLOWED IPV6\tRX\tTX\tLAST HANDSHAKE")
	for _, p := range status.Peers {
		handshake := "never"
		if p.LastHandshakeUnix > 0 {
			handshake = formatDuration(time.Since(time.Unix(p.LastHandshakeUnix, 0))) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ClientID, p.AllowedIPv4, p.AllowedIPv6, p.RxBytes, p.TxBytes, handshake)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like
// "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
