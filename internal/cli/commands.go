package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrcode/glucose-scraper/internal/logging"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll continuously and serve status until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			logging.Info().Str("version", Version).Msg("watching glucose")
			return a.Watch(ctx)
		},
	}
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Read once, store the reading and IOB projection, print the report line",
		Long: "report waits for a single reading, projects insulin on board at 0..90 minutes and prints\n" +
			"bg,trend,lag,timestamp,IOB_0,IOB_5,...,IOB_90",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Report(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Line())
			return err
		},
	}
}

func newIOBCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "iob",
		Short: "Print the insulin on board projection for now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			proj, _, err := a.Projection(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), proj.String())
			return err
		},
	}
}

func newRecentCmd(opts *rootOptions) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent stored glucose values, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n <= 0 {
				return fmt.Errorf("-n must be positive, got %d", n)
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			values, err := a.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}
			for _, v := range values {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), v); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "count", "n", 6, "number of readings")
	return cmd
}

func newTestAlertCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-alert",
		Short: "Send a test desktop notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)
			return a.SendTestNotification()
		},
	}
}

type closer interface {
	Close() error
}

func closeApp(c closer) {
	if err := c.Close(); err != nil {
		logging.Warn().Err(err).Msg("failed to close database")
	}
}
