// Command kafl-fuzz is the campaign CLI: it resolves configuration from
// flags and an optional YAML file, then hands off to the orchestrator
// (fuzz), to a re-exec'd worker loop (the hidden worker subcommand), or
// to one of the inspection subcommands. Grounded on cmd/nova/main.go's
// cobra root-command wiring (persistent flags, config-file + flag
// overlay, one RunE per subcommand).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/logging"
	"github.com/il-steffen/kafl.fuzzer/internal/telemetry"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kafl-fuzz",
		Short: "kAFL - coverage-guided snapshot fuzzer orchestrator",
		Long:  "Drives VM-based snapshot fuzzing campaigns over a control-plane socket shared with fuzz and symbolic workers.",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a campaign YAML config (flags override)")

	debug := debugCmd()
	debug.Hidden = os.Getenv("KAFL_CONFIG_DEBUG") == ""

	rootCmd.AddCommand(
		fuzzCmd(),
		workerCmd(),
		debug,
		covCmd(),
		guiCmd(),
		plotCmd(),
		mcatCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfig loads the base config, overlays the optional YAML file,
// then lets each command apply whichever of its declared flags the
// caller actually changed.
func resolveConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(config.Default(), configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initObservability(cfg *config.Config) func() {
	logging.SetLevelFromString(cfg.Logging.Level)
	if err := telemetry.Init(context.Background(), cfg.Telemetry); err != nil {
		logging.Op().Warn("failed to init tracing", "err", err)
	}
	return func() { telemetry.Shutdown(context.Background()) }
}

func stubCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("%s: not implemented in this build", use)
		},
	}
}

func covCmd() *cobra.Command  { return stubCmd("cov", "Generate a coverage report from campaign traces") }
func guiCmd() *cobra.Command  { return stubCmd("gui", "Launch the interactive campaign GUI") }
func plotCmd() *cobra.Command { return stubCmd("plot", "Plot campaign statistics over time") }
func mcatCmd() *cobra.Command { return stubCmd("mcat", "Pretty-print a msgpack-encoded trace record") }
