package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for monitoring the PostOffice cluster",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "List connected peer nodes",
		RunE:  runAdminPeers,
	})

	return cmd
}

func runAdminPeers(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := client.AdminListPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(response.Peers) == 0 {
		fmt.Fprintf(out, "Node %s has no connected peers\n", response.NodeID)
		return nil
	}

	fmt.Fprintf(out, "Node %s is connected to %d peer(s):\n\n", response.NodeID, len(response.Peers))
	for i, peer := range response.Peers {
		status := "healthy"
		if !peer.Healthy {
			status = "unhealthy"
		}
		fmt.Fprintf(out, "%d. %s at %s (%s)\n", i+1, peer.ID, peer.Address, status)
	}

	return nil
}
