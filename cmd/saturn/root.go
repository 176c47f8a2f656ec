package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stratus-hq/saturn/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	serverURL    string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "saturn",
	Short: "Saturn - self-hosted model API gateway core",
	Long: `Saturn is a gateway core for model APIs: admission control against
cost budgets and concurrency ceilings, weighted provider routing with
circuit breaking, and a durable request ledger that doubles as the
availability record.

The run command starts the gateway; the remaining commands are
operator tools that talk to a running gateway's admin API.

For more information, visit: https://github.com/stratus-hq/saturn`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8484", "admin API address for operator commands")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, json")
}

func formatter() cli.Formatter {
	return cli.NewFormatter(cli.OutputFormat(outputFormat))
}
