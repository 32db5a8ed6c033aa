package commands

import (
	"context"
	"fmt"
	"os"
	"time"
	"vicedtools/internal/components/telemetry"

	"github.com/spf13/cobra"
)

var configPath *string
var verbose *bool

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "vicedtools.toml", "The config file, .toml, .json5 and .yaml are supported.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages and dump every http exchange.")
}

var rootCmd = &cobra.Command{
	Use:   "vicedtools",
	Short: "vicedtools exports reports from the VASS portal.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupTelemetry installs the configured exporters, the returned func
// flushes them.
func setupTelemetry(ctx context.Context, cfg telemetry.Config) (func(), error) {
	tel, err := telemetry.Setup(ctx, "vicedtools", cfg)
	if err != nil {
		return nil, err
	}
	telemetry.InstrumentPerfStats(ctx)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		err := tel.Shutdown(ctx)
		if err != nil {
			telemetry.SlogAPI{}.ReportWarning("telemetry_shutdown", err)
		}
	}, nil
}
