package commands

import (
	"fmt"
	"log/slog"
	"vicedtools/internal/components/chrono"
	"vicedtools/internal/components/telemetry"
	"vicedtools/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

const report_schedule_run = "schedule_run"

var scheduleOpts runOptions

func init() {
	flags := scheduleCmd.Flags()
	flags.StringSliceVar(&scheduleOpts.Accounts, "account", nil, "Only export these accounts, all configured accounts by default.")
	flags.StringVar(&scheduleOpts.Selection, "selection", "vce", "The school program to summarize, one of vce, vet or vcal.")
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule [all|<report>]...",
	Short: "Runs exports on the configured cron schedule until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		if cfg.Schedule == "" {
			serviceutil.Fatal("failed to start scheduler", fmt.Errorf("%s has no schedule", *configPath))
		}
		_, err = findReports(args)
		if err != nil {
			serviceutil.Fatal("failed to start scheduler", err)
		}

		shutdown, err := setupTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer shutdown()

		clock, err := chrono.NewStandardImpl()
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		tel := telemetry.NewScopedAPI("schedule", telemetry.SlogAPI{})
		cron := chrono.NewStandardCron(clock, tel)

		opts := scheduleOpts
		opts.Reports = args
		opts.Format = "csv"
		opts.Dump = *verbose

		err = cron.Cron(cfg.Schedule, func() {
			slog.Info("starting scheduled export", "period", chrono.CurrentPeriod(clock))
			err := runExports(ctx, cfg, opts, telemetry.SlogAPI{})
			if err != nil {
				tel.ReportBroken(report_schedule_run, err)
			}
		})
		if err != nil {
			serviceutil.Fatal("invalid schedule", err)
		}

		slog.Info("waiting for schedule", "spec", cfg.Schedule, "timezone", clock.Location().String())
		<-ctx.Done()
		cron.Stop()
	},
}
