package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/cli"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "List circuit breakers",
	Long: `List every circuit breaker the gateway has seen, with its current
state, consecutive failure count, and the earliest retry time for open
circuits.

Examples:
  # List all breakers
  saturn breakers

  # Reset an open breaker
  saturn breakers reset vendor-a chat`,
	RunE: listBreakers,
}

var breakersResetCmd = &cobra.Command{
	Use:   "reset <vendor> <type>",
	Short: "Force a circuit breaker closed",
	Args:  cobra.ExactArgs(2),
	RunE:  resetBreaker,
}

func init() {
	rootCmd.AddCommand(breakersCmd)
	breakersCmd.AddCommand(breakersResetCmd)
}

func listBreakers(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	statuses, err := client.breakers(cmd.Context())
	if err != nil {
		return cli.NewCommandError("breakers", err)
	}

	tbl := &cli.Table{Header: []string{"VENDOR", "TYPE", "STATE", "FAILURES", "LAST FAILURE", "RETRY AT"}}
	for _, st := range statuses {
		lastFail := "-"
		if !st.LastFailure.IsZero() {
			lastFail = st.LastFailure.UTC().Format(time.RFC3339)
		}
		retryAt := "-"
		if !st.RetryAt.IsZero() {
			retryAt = st.RetryAt.UTC().Format(time.RFC3339)
		}
		tbl.AddRow(st.Target.Vendor, st.Target.ProviderType,
			string(st.State), fmt.Sprint(st.Failures), lastFail, retryAt)
	}
	return formatter().FormatTo(os.Stdout, tbl)
}

func resetBreaker(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	if err := client.resetBreaker(cmd.Context(), args[0], args[1]); err != nil {
		return cli.NewCommandError("breakers reset", err)
	}
	fmt.Printf("breaker %s/%s reset to %s\n", args[0], args[1], breaker.StateClosed)
	return nil
}
