package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/cli"
)

var usageCmd = &cobra.Command{
	Use:   "usage <kind> <id>",
	Short: "Show spend across all cost windows for a key, user, or endpoint",
	Long: `Show one subject's spend in every cost window, the configured limit,
and the remaining headroom. Kind is key, user, or endpoint.

Examples:
  # Spend for an API key
  saturn usage key team-alpha

  # Spend for a user across all their keys
  saturn usage user alice

  # Spend routed through one provider endpoint
  saturn usage endpoint openai-chat-1`,
	Args: cobra.ExactArgs(2),
	RunE: showUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func showUsage(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	report, err := client.usage(cmd.Context(), args[0], args[1])
	if err != nil {
		return cli.NewCommandError("usage", err)
	}

	tbl := &cli.Table{Header: []string{"WINDOW", "SPENT", "LIMIT", "REMAINING", "RESETS"}}
	for _, u := range report.Windows {
		limit, remaining, resets := "-", "-", "-"
		if u.Limit != nil {
			limit = u.Limit.String()
		}
		if r := u.Remaining(); r != nil {
			remaining = r.String()
		}
		if !u.ResetAt.IsZero() {
			resets = u.ResetAt.Format(time.RFC3339)
		}
		tbl.AddRow(string(u.Window), u.Spent.String(), limit, remaining, resets)
	}
	tbl.AddRow("in-flight", fmt.Sprint(report.InFlight), "", "", "")
	return formatter().FormatTo(os.Stdout, tbl)
}
