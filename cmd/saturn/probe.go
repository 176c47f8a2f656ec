package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/cli"
)

var probeCmd = &cobra.Command{
	Use:   "probe <provider-id>",
	Short: "Probe one provider endpoint out of band",
	Long: `Ask the gateway to probe one provider endpoint outside the request
path. The outcome lands in the ledger as a manual-source record and
feeds the provider's circuit, so a successful probe can close an open
circuit without waiting for live traffic.

Examples:
  saturn probe openai-chat-1`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	record, err := client.probe(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("probe", err)
	}

	tbl := &cli.Table{Header: []string{"ENDPOINT", "VENDOR", "OK", "STATUS", "LATENCY"}}
	tbl.AddRow(record.EndpointID, record.VendorID, fmt.Sprint(record.OK),
		fmt.Sprint(record.StatusCode), fmt.Sprintf("%dms", record.LatencyMS))
	return formatter().FormatTo(os.Stdout, tbl)
}
