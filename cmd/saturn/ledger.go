package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/cli"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/ledger/export"
)

var ledgerFlags struct {
	keyID    string
	userID   string
	vendor   string
	source   string
	limit    int
	output   string
	pageSize int
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and export the request ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent call records",
	Long: `List ledger records, newest first.

Examples:
  # Last 20 calls
  saturn ledger list --limit 20

  # Calls for one key
  saturn ledger list --key team-alpha

  # Manual probe records only
  saturn ledger list --source manual`,
	RunE: listLedger,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export call records as JSON or CSV",
	Long: `Export ledger records page by page, writing JSON or CSV to a file or
stdout. Progress renders on stderr so piped output stays clean.

Examples:
  # Everything, as CSV
  saturn ledger export --format csv --output records.csv

  # One key's records to stdout
  saturn ledger export --key team-alpha --format json`,
	RunE: exportLedger,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)

	for _, c := range []*cobra.Command{ledgerListCmd, ledgerExportCmd} {
		c.Flags().StringVar(&ledgerFlags.keyID, "key", "", "filter by API key")
		c.Flags().StringVar(&ledgerFlags.userID, "user", "", "filter by user")
		c.Flags().StringVar(&ledgerFlags.vendor, "vendor", "", "filter by vendor")
		c.Flags().StringVar(&ledgerFlags.source, "source", "", "filter by source: auto, manual")
	}
	ledgerListCmd.Flags().IntVar(&ledgerFlags.limit, "limit", 50, "maximum records")
	ledgerExportCmd.Flags().StringVarP(&ledgerFlags.output, "output", "o", "", "output file (default stdout)")
	ledgerExportCmd.Flags().IntVar(&ledgerFlags.pageSize, "page-size", 500, "records fetched per API call")
}

func ledgerParams() url.Values {
	params := url.Values{}
	if ledgerFlags.keyID != "" {
		params.Set("key_id", ledgerFlags.keyID)
	}
	if ledgerFlags.userID != "" {
		params.Set("user_id", ledgerFlags.userID)
	}
	if ledgerFlags.vendor != "" {
		params.Set("vendor", ledgerFlags.vendor)
	}
	if ledgerFlags.source != "" {
		params.Set("source", ledgerFlags.source)
	}
	return params
}

func listLedger(cmd *cobra.Command, args []string) error {
	client := newAdminClient(serverURL)
	records, err := client.ledgerPage(cmd.Context(), ledgerParams(), ledgerFlags.limit, 0)
	if err != nil {
		return cli.NewCommandError("ledger list", err)
	}

	tbl := &cli.Table{Header: []string{"TIME", "KEY", "VENDOR", "TYPE", "OK", "COST", "LATENCY"}}
	for _, rec := range records {
		tbl.AddRow(
			rec.Time.UTC().Format("2006-01-02 15:04:05"),
			rec.KeyID,
			rec.VendorID,
			rec.ProviderType,
			fmt.Sprint(rec.OK),
			rec.Cost.String(),
			fmt.Sprintf("%dms", rec.LatencyMS),
		)
	}
	return formatter().FormatTo(os.Stdout, tbl)
}

func exportLedger(cmd *cobra.Command, args []string) error {
	var exporter ledger.Exporter
	switch outputFormat {
	case "csv":
		exporter = export.NewCSVExporter(true)
	case "json", "text":
		exporter = export.NewJSONExporter(true)
	default:
		return cli.NewCommandError("ledger export",
			fmt.Errorf("unsupported export format: %s", outputFormat))
	}

	out := os.Stdout
	if ledgerFlags.output != "" {
		f, err := os.Create(ledgerFlags.output)
		if err != nil {
			return cli.NewCommandError("ledger export", err)
		}
		defer f.Close()
		out = f
	}

	client := newAdminClient(serverURL)
	records, err := fetchAllRecords(cmd.Context(), client)
	if err != nil {
		return cli.NewCommandError("ledger export", err)
	}

	if err := exporter.Export(cmd.Context(), records, out); err != nil {
		return cli.NewCommandError("ledger export", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d records\n", len(records))
	return nil
}

func fetchAllRecords(ctx context.Context, client *adminClient) ([]*ledger.CallRecord, error) {
	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(cli.TotalUnknown)

	params := ledgerParams()
	var all []*ledger.CallRecord
	for offset := 0; ; offset += ledgerFlags.pageSize {
		page, err := client.ledgerPage(ctx, params, ledgerFlags.pageSize, offset)
		if err != nil {
			progress.Error(err)
			return nil, err
		}
		all = append(all, page...)
		progress.Update(int64(len(all)))
		if len(page) < ledgerFlags.pageSize {
			break
		}
	}
	progress.Finish()
	return all, nil
}
