// Package cli implements srqlctl, a command line client for parsing, translating and running
// SRQL queries.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/carverauto/serviceradar/srql/internal/logger"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "srqlctl",
		Short:         "Parse, translate and run SRQL queries.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var catalogPath string
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "path to a YAML entity catalog (defaults to the built-in catalog)")

	rootCmd.AddCommand(
		NewParseCmd().Command(),
		NewTranslateCmd().Command(),
		NewQueryCmd().Command(),
	)

	return rootCmd
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return logger.NewWithWriter(os.Stderr, verbose)
}
