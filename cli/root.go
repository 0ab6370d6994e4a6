package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/cafeloader/config"
	"github.com/sliverarmory/cafeloader/internal/logging"
)

var (
	configPath string
	flagged    = config.Default()

	// cfg and logger are resolved before any subcommand runs.
	cfg    config.Config
	logger log.Logger
)

var rootCmd = &cobra.Command{
	Use:          "cafeloader",
	Short:        "Patch a process at start-up from Patches.hax and Addr/Code/Data.bin artifacts",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		resolved, err := config.Resolve(configPath, flagged, cmd.Flags())
		if err != nil {
			return err
		}
		if err := resolved.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		l, err := logging.New(os.Stderr, resolved.LogFormat, resolved.LogLevel)
		if err != nil {
			return err
		}
		cfg, logger = resolved, l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file; flags override its values")
	flagged.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, dumpCmd, serveCmd)
}
