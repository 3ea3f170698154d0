package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tfview/internal/logging"
)

type lookupFunc func(string) (string, bool)

// buildRootCmd constructs the command tree. lookup resolves TFVIEW_*
// environment overrides.
func buildRootCmd(lookup lookupFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "tfview",
		Short:         "Live training visualizations over a websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Config file (.yaml, .yml, .json, .toml)")
	root.PersistentFlags().String("env-file", "", "dotenv file with TFVIEW_* variables; the environment wins")
	root.PersistentFlags().String("log-level", "", "Log level: trace|debug|info|warn|error (defaults TFVIEW_LOG_LEVEL or info)")
	root.PersistentFlags().Bool("log-pretty", false, "Human-readable console logs (default when stderr is a terminal)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd, lookup)
		if err != nil {
			return err
		}
		out := cmd.ErrOrStderr()
		pretty := cfg.LogPretty
		if !cmd.Flags().Changed("log-pretty") && logging.IsTerminal(out) {
			pretty = true
		}
		logging.Init(logging.Config{
			Level:  logging.ParseLevel(cfg.LogLevel),
			Output: out,
			Pretty: pretty,
		})
		return nil
	}

	root.AddCommand(
		buildServeCmd(lookup),
		buildWatchCmd(),
		buildModelsCmd(lookup),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "tfview", version)
				return err
			},
		},
	)
	return root
}
