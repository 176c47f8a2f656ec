/*
Package cli provides command-line interface utilities for the saturn
command.

The cli package includes output formatters, a progress reporter for
long-running exports, and signal handling helpers shared by the
operator subcommands.

Output Formatting:

Command results render as either an aligned text table or JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, result); err != nil {
		return err
	}

Tabular results are passed as *cli.Table; the text formatter aligns
columns with a tab writer.

Progress Reporting:

Ledger exports can run over large record sets. The progress reporter
handles both known and unknown totals:

	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(total) // or cli.TotalUnknown
	for done := int64(0); done < total; {
		done += exportPage()
		progress.Update(done)
	}
	progress.Finish()

Signal Handling:

SetupSignalHandler returns a context canceled on SIGINT or SIGTERM,
used by the serve command for graceful shutdown.
*/
package cli
