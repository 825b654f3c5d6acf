package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the PostOffice node",
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "✅ Node %s is healthy!\n", health.NodeID)
	} else {
		fmt.Fprintf(out, "❌ Node %s is not healthy!\n", health.NodeID)
	}
	fmt.Fprintf(out, "PostOffice: %t\n", health.PostOfficeHealthy)
	fmt.Fprintf(out, "Paging: %t\n", health.PagingHealthy)
	fmt.Fprintf(out, "PeerLink: %t\n", health.PeerLinkHealthy)
	fmt.Fprintf(out, "Bindings: %d\n", health.Bindings)
	fmt.Fprintf(out, "Connected Peers: %d\n", health.ConnectedPeers)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	return nil
}
