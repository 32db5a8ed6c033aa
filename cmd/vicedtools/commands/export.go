package commands

import (
	"fmt"
	"strings"
	"vicedtools/internal/components/telemetry"
	"vicedtools/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var exportOpts runOptions

func init() {
	flags := exportCmd.Flags()
	flags.StringSliceVar(&exportOpts.Accounts, "account", nil, "Only export these accounts, all configured accounts by default.")
	flags.StringVar(&exportOpts.Period, "period", "", "The year to export, defaults to the account's period or the current year.")
	flags.StringVar(&exportOpts.Selection, "selection", "vce", "The school program to summarize, one of vce, vet or vcal.")
	flags.StringVar(&exportOpts.Format, "format", "csv", "Where records go, csv files or a table on stdout.")
	flags.IntVar(&exportOpts.Limit, "limit", 20, "The number of rows printed per report with --format table, 0 prints all.")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   fmt.Sprintf("export [all|%s]... [--account <name>] [--period <year>]", strings.Join(reportNames(), "|")),
	Short: "Logs into each configured portal and exports its reports.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		shutdown, err := setupTelemetry(cmd.Context(), cfg.Telemetry)
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer shutdown()

		opts := exportOpts
		opts.Reports = args
		opts.Dump = *verbose

		err = runExports(cmd.Context(), cfg, opts, telemetry.SlogAPI{})
		if err != nil {
			shutdown()
			serviceutil.Fatal("export failed", err)
		}
	},
}
