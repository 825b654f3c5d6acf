package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/httpclient"
)

func newPublishCommand() *cobra.Command {
	var (
		address     string
		payload     string
		headers     map[string]string
		duplicateID string
		groupID     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to an address",
		Long: `Publish a message to an address. The payload should be valid JSON.
Headers are matched by queue filters. A duplicate ID makes the node drop
repeated publishes of the same message, a group ID keeps related messages
on one queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []httpclient.PublishOption
			if len(headers) > 0 {
				opts = append(opts, httpclient.WithHeaders(headers))
			}
			if duplicateID != "" {
				opts = append(opts, httpclient.WithDuplicateID(duplicateID))
			}
			if groupID != "" {
				opts = append(opts, httpclient.WithGroupID(groupID))
			}
			return runPublish(cmd, address, payload, opts...)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Address to publish to (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Message payload as JSON")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "Message headers as key=value pairs")
	cmd.Flags().StringVar(&duplicateID, "duplicate-id", "", "Duplicate detection ID")
	cmd.Flags().StringVar(&groupID, "group-id", "", "Message group ID")
	markRequired(cmd, "address")

	return cmd
}

func runPublish(cmd *cobra.Command, address, payloadStr string, opts ...httpclient.PublishOption) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	if payloadStr == "" {
		payloadStr = "{}"
	}
	if !json.Valid([]byte(payloadStr)) {
		return fmt.Errorf("invalid JSON payload: %s", payloadStr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Publishing message to address '%s'...\n", address)

	response, err := client.Publish(ctx, address, json.RawMessage(payloadStr), opts...)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	if response.Duplicate {
		fmt.Fprintf(out, "⚠️  Message %s was a duplicate and was dropped\n", response.MessageID)
		return nil
	}
	fmt.Fprintf(out, "✅ Message published successfully!\n")
	fmt.Fprintf(out, "Message ID: %s\n", response.MessageID)
	fmt.Fprintf(out, "Targets: %s\n", strings.Join(response.Targets, ", "))
	if len(response.Paged) > 0 {
		fmt.Fprintf(out, "Paged: %s\n", strings.Join(response.Paged, ", "))
	}
	fmt.Fprintf(out, "Timestamp: %s\n", response.Timestamp.Format("2006-01-02 15:04:05"))

	return nil
}
