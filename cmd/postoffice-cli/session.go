package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the client session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "close",
		Short: "Close the session and remove its temporary queues",
		RunE:  runSessionClose,
	})

	return cmd
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := client.CloseSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Session of '%s' closed, %d temporary binding(s) removed\n", response.ClientID, response.Removed)
	return nil
}
