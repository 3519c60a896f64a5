// Package cmd defines and implements the CLI commands for the print-quote executable.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/print-quote-service/internal/config"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "printquote",
		Short: "Document analysis, pricing and cart back end for the print storefront.",
		Long: `print-quote analyzes uploaded PDFs for color and monochrome pages,
prices print configurations against the analysis, and commits verified
quotes to the order pipeline.`,
		SilenceUsage: true,
		// .env is optional; values already in the environment win.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the PRINTQUOTE_ prefix")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cmd.AddCommand(newServeCmd(loadConfig))
	cmd.AddCommand(newPollCmd(loadConfig))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
