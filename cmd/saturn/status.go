package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/cli"
)

var statusFlags struct {
	window string
	step   string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider availability",
	Long: `Show per-provider availability over a recent window: success rate,
latency percentiles, health band, and the volume-weighted system
score.

Examples:
  # Availability over the last 24 hours
  saturn status

  # A tighter window with finer buckets
  saturn status --window 1h --step 5m`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusFlags.window, "window", "24h", "lookback window")
	statusCmd.Flags().StringVar(&statusFlags.step, "step", "1h", "bucket width")
}

func showStatus(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	report, err := client.availability(cmd.Context(), statusFlags.window, statusFlags.step)
	if err != nil {
		return cli.NewCommandError("status", err)
	}

	tbl := &cli.Table{Header: []string{"VENDOR", "TYPE", "CALLS", "SUCCESS", "STATUS"}}
	for _, tr := range report.Targets {
		tbl.AddRow(tr.Vendor, tr.ProviderType, fmt.Sprint(tr.Total),
			fmt.Sprintf("%.1f%%", tr.SuccessRate*100), string(tr.Status))
	}
	if err := formatter().FormatTo(os.Stdout, tbl); err != nil {
		return err
	}

	fmt.Printf("\nsystem: %.1f%% (%s)\n", report.SystemScore*100, report.SystemStatus)
	return nil
}
