package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/print-quote-service/internal/config"
	"github.com/JakeFAU/print-quote-service/internal/server"
)

func newServeCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analysis worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), &cfg)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
