package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show the delivery attempt history of a task",
	Long: `Fetch the ordered attempt sequence for a delivery task. The last
attempt shows the task's current status; a task is finished once it carries a
success or failure record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := doRequest("GET", "/status/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
