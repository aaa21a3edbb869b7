package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	subTargetURL  string
	subSecret     string
	subEventTypes []string
)

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage webhook subscriptions",
}

var subscriptionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new subscription",
	Example: `  relayctl subscription create --url https://example.com/hook
  relayctl subscription create --url https://example.com/hook --secret s3cret --event-type user.created`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if subTargetURL == "" {
			return fmt.Errorf("--url is required")
		}
		var out map[string]any
		body := map[string]any{"target_url": subTargetURL}
		if subSecret != "" {
			body["secret"] = subSecret
		}
		if len(subEventTypes) > 0 {
			body["event_types"] = subEventTypes
		}
		if err := doRequest("POST", "/subscriptions", body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var subscriptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := doRequest("GET", "/subscriptions", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var subscriptionGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get a subscription by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest("GET", "/subscriptions/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var subscriptionUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if subTargetURL == "" {
			return fmt.Errorf("--url is required")
		}
		body := map[string]any{"target_url": subTargetURL}
		if subSecret != "" {
			body["secret"] = subSecret
		}
		if len(subEventTypes) > 0 {
			body["event_types"] = subEventTypes
		}
		var out map[string]any
		if err := doRequest("PUT", "/subscriptions/"+args[0], body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var subscriptionDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("DELETE", "/subscriptions/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("subscription deleted")
		return nil
	},
}

var subscriptionDeliveriesCmd = &cobra.Command{
	Use:   "deliveries [id]",
	Short: "List recent delivery attempts for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/subscriptions/" + args[0] + "/deliveries"
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		sep := "?"
		if status != "" {
			path += fmt.Sprintf("%sstatus=%s", sep, status)
			sep = "&"
		}
		if limit > 0 {
			path += fmt.Sprintf("%slimit=%d", sep, limit)
		}
		var out []map[string]any
		if err := doRequest("GET", path, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{subscriptionCreateCmd, subscriptionUpdateCmd} {
		c.Flags().StringVar(&subTargetURL, "url", "", "target URL for webhook deliveries")
		c.Flags().StringVar(&subSecret, "secret", "", "shared secret for the subscription")
		c.Flags().StringSliceVar(&subEventTypes, "event-type", nil, "subscribed event types (repeatable)")
	}
	subscriptionDeliveriesCmd.Flags().String("status", "", "filter by attempt status")
	subscriptionDeliveriesCmd.Flags().Int("limit", 20, "max number of attempts to return")

	subscriptionCmd.AddCommand(
		subscriptionCreateCmd,
		subscriptionListCmd,
		subscriptionGetCmd,
		subscriptionUpdateCmd,
		subscriptionDeleteCmd,
		subscriptionDeliveriesCmd,
	)
	rootCmd.AddCommand(subscriptionCmd)
}
