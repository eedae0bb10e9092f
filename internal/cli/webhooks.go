package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docuflow/docuflow/internal/models"
)

var probeEvents []string

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Webhook subscription utilities",
}

// probeCmd sends a single signed test event to an endpoint through a
// throwaway subscription. Useful for verifying a receiver's signature
// validation before registering it for real.
var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Send a signed test delivery to an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := models.NewSubscription(args[0], probeEvents)
		if err != nil {
			return err
		}
		if err := coreStore.CreateSubscription(cmd.Context(), sub); err != nil {
			return err
		}
		defer func() { _ = coreStore.DeleteSubscription(cmd.Context(), sub.ID) }()

		fmt.Printf("Signing secret: %s\n", sub.Secret)

		result, err := coreDispatcher.Test(cmd.Context(), sub.ID)
		if err != nil {
			return err
		}
		if result.Err != "" {
			return fmt.Errorf("delivery failed after %s: %s", result.Latency, result.Err)
		}
		fmt.Printf("HTTP %d in %s\n", result.StatusCode, result.Latency)
		if body := strings.TrimSpace(result.Body); body != "" {
			fmt.Println(body)
		}
		if !result.Success {
			return fmt.Errorf("endpoint returned non-2xx status %d", result.StatusCode)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringSliceVar(&probeEvents, "events", []string{models.EventWebhookTest},
		"event types the throwaway subscription registers for")
	webhooksCmd.AddCommand(probeCmd)
}
