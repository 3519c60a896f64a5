package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/config"
	"github.com/JakeFAU/print-quote-service/internal/logging"
	"github.com/JakeFAU/print-quote-service/internal/poller"
)

// newPollCmd follows one queued analysis until it finishes, the way the
// storefront's integration layer does.
func newPollCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var (
		baseURL   string
		session   string
		estimated time.Duration
	)
	cmd := &cobra.Command{
		Use:   "poll JOB_ID",
		Short: "Poll a queued analysis with backoff and print the final job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			header := ""
			if cfg.Auth.Enabled {
				header = cfg.Auth.Header
			}
			source := poller.NewHTTPSource(baseURL, header, cfg.Auth.Secret, nil).WithSession(session)
			p := poller.New(source, poller.Config{
				MinInterval:   cfg.Poller.MinInterval,
				MaxInterval:   cfg.Poller.MaxInterval,
				Growth:        cfg.Poller.Growth,
				FastFactor:    cfg.Poller.FastFactor,
				TimeoutFactor: cfg.Poller.TimeoutFactor,
				TimeoutFloor:  cfg.Poller.TimeoutFloor,
				MaxAttempts:   cfg.Poller.MaxAttempts,
			}, logger.Named("poller"))

			j, err := p.Poll(cmd.Context(), args[0], estimated)
			if err != nil {
				logger.Error("poll failed", zap.String("job_id", args[0]), zap.Error(err))
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "service base URL")
	cmd.Flags().StringVar(&session, "session", "", "session id that submitted the job")
	cmd.Flags().DurationVar(&estimated, "estimated", 30*time.Second, "estimated processing time returned at submission")
	return cmd
}
