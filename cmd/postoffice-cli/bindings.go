package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/httpclient"
)

func newBindingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Manage bindings",
		Long:  "List, create and delete the queues, diverts and remote bindings of a node",
	}

	cmd.AddCommand(newBindingsListCommand())
	cmd.AddCommand(newCreateQueueCommand())
	cmd.AddCommand(newCreateDivertCommand())
	cmd.AddCommand(newCreateRemoteCommand())
	cmd.AddCommand(newBindingsDeleteCommand())
	cmd.AddCommand(newConsumersCommand())

	return cmd
}

func newBindingsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all bindings",
		RunE:  runBindingsList,
	}
}

func newCreateQueueCommand() *cobra.Command {
	var (
		name      string
		address   string
		filter    map[string]string
		temporary bool
	)

	cmd := &cobra.Command{
		Use:   "create-queue",
		Short: "Create a local queue",
		Long: `Create a local queue bound to an address. The address may be a wildcard pattern.
A filter only accepts messages whose headers carry every given key=value pair.
Temporary queues are removed when this client closes its session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateBinding(cmd, httpclient.BindingRequest{
				Type:      httpclient.BindingKindQueue,
				Name:      name,
				Address:   address,
				Filter:    filter,
				Temporary: temporary,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Queue name (required)")
	cmd.Flags().StringVar(&address, "address", "", "Address or pattern to bind (required)")
	cmd.Flags().StringToStringVar(&filter, "filter", nil, "Header filter as key=value pairs")
	cmd.Flags().BoolVar(&temporary, "temporary", false, "Remove the queue when the session closes")
	markRequired(cmd, "name", "address")

	return cmd
}

func newCreateDivertCommand() *cobra.Command {
	var (
		name           string
		address        string
		forwardAddress string
		exclusive      bool
	)

	cmd := &cobra.Command{
		Use:   "create-divert",
		Short: "Create a divert",
		Long: `Create a divert that forwards messages of an address to another address.
An exclusive divert takes the message away from every other binding of the address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateBinding(cmd, httpclient.BindingRequest{
				Type:           httpclient.BindingKindDivert,
				Name:           name,
				Address:        address,
				ForwardAddress: forwardAddress,
				Exclusive:      exclusive,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Divert name (required)")
	cmd.Flags().StringVar(&address, "address", "", "Address to divert from (required)")
	cmd.Flags().StringVar(&forwardAddress, "forward", "", "Address to forward to (required)")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Take messages away from the other bindings")
	markRequired(cmd, "name", "address", "forward")

	return cmd
}

func newCreateRemoteCommand() *cobra.Command {
	var (
		name      string
		address   string
		nodeID    string
		queue     string
		consumers int
	)

	cmd := &cobra.Command{
		Use:   "create-remote",
		Short: "Create a remote binding (requires admin privileges)",
		Long:  "Bind an address to a queue hosted by a peer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateBinding(cmd, httpclient.BindingRequest{
				Type:      httpclient.BindingKindRemote,
				Name:      name,
				Address:   address,
				NodeID:    nodeID,
				Queue:     queue,
				Consumers: consumers,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Binding name (required)")
	cmd.Flags().StringVar(&address, "address", "", "Address to bind (required)")
	cmd.Flags().StringVar(&nodeID, "node", "", "Peer node hosting the queue (required)")
	cmd.Flags().StringVar(&queue, "queue", "", "Queue on the peer (defaults to the binding name)")
	cmd.Flags().IntVar(&consumers, "consumers", 0, "Consumers attached to the remote queue")
	markRequired(cmd, "name", "address", "node")

	return cmd
}

func newBindingsDeleteCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a binding (requires admin privileges)",
		Long:  "Delete a binding by name. Messages left in a deleted queue are dropped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBindingsDelete(cmd, name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Binding name (required)")
	markRequired(cmd, "name")

	return cmd
}

func newConsumersCommand() *cobra.Command {
	var (
		name      string
		consumers int
	)

	cmd := &cobra.Command{
		Use:   "consumers",
		Short: "Set the consumer count of a remote binding (requires admin privileges)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetConsumers(cmd, name, consumers)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Remote binding name (required)")
	cmd.Flags().IntVar(&consumers, "count", 0, "Number of consumers")
	markRequired(cmd, "name")

	return cmd
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}
}

func runBindingsList(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bindings, err := client.ListBindings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bindings: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(bindings) == 0 {
		fmt.Fprintln(out, "No bindings found")
		return nil
	}

	fmt.Fprintf(out, "Found %d binding(s):\n\n", len(bindings))
	for i, b := range bindings {
		fmt.Fprintf(out, "%d. %s (%s)\n", i+1, b.Name, b.Type)
		fmt.Fprintf(out, "   Address: %s\n", b.Address)
		fmt.Fprintf(out, "   State: %s\n", b.State)
		switch b.Type {
		case httpclient.BindingKindDivert:
			fmt.Fprintf(out, "   Forward: %s (exclusive: %t)\n", b.ForwardAddress, b.Exclusive)
		case httpclient.BindingKindRemote:
			fmt.Fprintf(out, "   Node: %s\n", b.NodeID)
			fmt.Fprintf(out, "   Consumers: %d\n", b.Consumers)
		}
		if b.Owner != "" {
			fmt.Fprintf(out, "   Owner: %s\n", b.Owner)
		}
		if i < len(bindings)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func runCreateBinding(cmd *cobra.Command, req httpclient.BindingRequest) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	binding, err := client.CreateBinding(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", req.Type, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Created %s '%s' on address '%s'\n", binding.Type, binding.Name, binding.Address)
	return nil
}

func runBindingsDelete(cmd *cobra.Command, name string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.DeleteBinding(ctx, name); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Binding '%s' deleted\n", name)
	return nil
}

func runSetConsumers(cmd *cobra.Command, name string, consumers int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.SetConsumers(ctx, name, consumers); err != nil {
		return fmt.Errorf("failed to set consumers: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Binding '%s' now has %d consumer(s)\n", name, consumers)
	return nil
}
