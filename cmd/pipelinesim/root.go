// Command pipelinesim hosts the pipeline runtime outside of any real audio
// HAL: it loads a topology document, builds the graph through
// pipeline.Handler, schedules it, and runs for a configurable duration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/dspfirmware/internal/conf"
)

// RootCommand builds the pipelinesim root cobra command, grounded on the
// teacher's cmd.RootCommand: a thin cobra shell whose persistent flags are
// bound into viper before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipelinesim",
		Short: "Runs the DSP pipeline runtime against a topology document",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupFlags(cmd, settings)
		},
	}

	rootCmd.PersistentFlags().Bool("debug", settings.Debug, "Enable debug logging")
	rootCmd.PersistentFlags().String("topology", settings.Topology.Path, "Path to the topology YAML document")
	rootCmd.PersistentFlags().Int("schedule-period-ms", settings.Pipeline.SchedulePeriodMs, "LL scheduler tick period override, in milliseconds")
	rootCmd.PersistentFlags().Int("xrun-recovery-limit", settings.Pipeline.XrunRecoveryLimit, "Consecutive xruns auto-recovered before the scheduler logs an error instead")

	rootCmd.AddCommand(RunCommand(settings))

	return rootCmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	// Flag names differ from the nested settings keys, so each flag is bound
	// to its settings key explicitly.
	flagKeys := map[string]string{
		"debug":               "debug",
		"topology":            "topology.path",
		"schedule-period-ms":  "pipeline.scheduleperiodms",
		"xrun-recovery-limit": "pipeline.xrunrecoverylimit",
	}
	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}
	if err := viper.Unmarshal(settings); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}
	return nil
}

func main() {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	if err := RootCommand(settings).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
