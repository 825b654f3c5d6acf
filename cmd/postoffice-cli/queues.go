package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/httpclient"
)

func newBrowseCommand() *cobra.Command {
	var (
		queue  string
		offset int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse the messages of a queue",
		Long:  "Read messages of a queue starting at an offset without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(cmd, queue, offset, limit)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue to browse (required)")
	cmd.Flags().Int64Var(&offset, "offset", 0, "Offset to start from")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of messages")
	markRequired(cmd, "queue")

	return cmd
}

func newReceiveCommand() *cobra.Command {
	var (
		queue       string
		maxMessages int
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Consume messages from a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd, queue, maxMessages)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue to consume from (required)")
	cmd.Flags().IntVar(&maxMessages, "max", 1, "Maximum number of messages")
	markRequired(cmd, "queue")

	return cmd
}

func newConsumerCommand() *cobra.Command {
	var (
		queue  string
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Attach or detach a session consumer on a queue",
		Long: `Register the current session as a consumer of a queue. Queues with
consumers are not redistributed. Closing the session detaches its consumers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumer(cmd, queue, detach)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue to consume from (required)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Detach a consumer instead of attaching one")
	markRequired(cmd, "queue")

	return cmd
}

func newRedistributeCommand() *cobra.Command {
	var (
		queue       string
		maxMessages int
	)

	cmd := &cobra.Command{
		Use:   "redistribute",
		Short: "Move queued messages to peer nodes (requires admin privileges)",
		Long: `Move messages of a local queue without consumers to remote bindings
of the same address that have consumers on their peer node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRedistribute(cmd, queue, maxMessages)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue to redistribute (required)")
	cmd.Flags().IntVar(&maxMessages, "max", 0, "Maximum number of messages (0 for server default)")
	markRequired(cmd, "queue")

	return cmd
}

func runBrowse(cmd *cobra.Command, queue string, offset int64, limit int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := client.Browse(ctx, queue, offset, limit)
	if err != nil {
		return fmt.Errorf("failed to browse queue: %w", err)
	}

	printMessages(cmd, queue, response.Messages)
	return nil
}

func runReceive(cmd *cobra.Command, queue string, maxMessages int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := client.Receive(ctx, queue, maxMessages)
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	printMessages(cmd, queue, response.Messages)
	return nil
}

func runConsumer(cmd *cobra.Command, queue string, detach bool) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	update, verb := client.AttachConsumer, "Attached"
	if detach {
		update, verb = client.DetachConsumer, "Detached"
	}
	response, err := update(ctx, queue)
	if err != nil {
		return fmt.Errorf("failed to update consumers: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s consumer on queue '%s' (%d consumer(s))\n", verb, response.Queue, response.Consumers)
	return nil
}

func runRedistribute(cmd *cobra.Command, queue string, maxMessages int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := client.Redistribute(ctx, queue, maxMessages)
	if err != nil {
		return fmt.Errorf("failed to redistribute queue: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Moved %d message(s) from queue '%s'\n", response.Redistributed, response.Queue)
	return nil
}

func printMessages(cmd *cobra.Command, queue string, messages []httpclient.Message) {
	out := cmd.OutOrStdout()
	if len(messages) == 0 {
		fmt.Fprintf(out, "No messages in queue '%s'\n", queue)
		return
	}

	fmt.Fprintf(out, "%d message(s) from queue '%s':\n\n", len(messages), queue)
	for i, msg := range messages {
		fmt.Fprintf(out, "[%d] %s %s\n", msg.Offset, msg.ID, msg.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "    Address: %s\n", msg.Address)
		if msg.GroupID != "" {
			fmt.Fprintf(out, "    Group: %s\n", msg.GroupID)
		}
		if len(msg.Headers) > 0 {
			fmt.Fprintf(out, "    Headers: %v\n", msg.Headers)
		}
		fmt.Fprintf(out, "    Payload: %s\n", string(msg.Payload))
		if i < len(messages)-1 {
			fmt.Fprintln(out)
		}
	}
}
