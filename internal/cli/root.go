// Package cli implements the glucose-scraper command line
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mrcode/glucose-scraper/internal/app"
	"github.com/mrcode/glucose-scraper/internal/config"
	"github.com/mrcode/glucose-scraper/internal/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "dev"

type appFactory func(ctx context.Context, cfg config.Config) (*app.App, error)

func defaultFactory(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// Execute runs the root command
func Execute() error {
	return newRootCmd(defaultFactory).Execute()
}

type rootOptions struct {
	configPath string
	logLevel   string
	newApp     appFactory
}

func newRootCmd(newApp appFactory) *cobra.Command {
	opts := &rootOptions{newApp: newApp}

	rootCmd := &cobra.Command{
		Use:   "glucose-scraper",
		Short: "Poll Dexcom Share glucose readings and project insulin on board",
		Long: "glucose-scraper keeps an authenticated Dexcom Share session, stores new readings " +
			"in DuckDB and projects insulin on board from Nightscout treatments over the next 90 minutes.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: $"+config.ConfigPathEnvVar+" or ./glucose-scraper.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newWatchCmd(opts),
		newReportCmd(opts),
		newIOBCmd(opts),
		newRecentCmd(opts),
		newTestAlertCmd(opts),
		newAutostartCmd(opts),
	)

	return rootCmd
}

// open loads the configuration, configures logging and builds the app
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	lc := cfg.LogConfig()
	lc.Output = cmd.ErrOrStderr()
	logging.Init(lc)

	return o.newApp(cmd.Context(), cfg)
}
