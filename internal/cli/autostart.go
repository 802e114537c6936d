package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrcode/glucose-scraper/internal/autostart"
)

func newAutostartCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Start watch automatically at login",
	}

	installer := func() (*autostart.Installer, error) {
		return autostart.New(opts.configPath)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Register watch as a login service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				inst, err := installer()
				if err != nil {
					return err
				}
				if err := inst.Enable(); err != nil {
					return fmt.Errorf("enable autostart: %w", err)
				}
				path, _ := inst.Path()
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "autostart enabled: %s\n", path)
				return err
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Remove the login service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				inst, err := installer()
				if err != nil {
					return err
				}
				if err := inst.Disable(); err != nil {
					return fmt.Errorf("disable autostart: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "autostart disabled")
				return err
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the login service is registered",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				inst, err := installer()
				if err != nil {
					return err
				}
				enabled, err := inst.IsEnabled()
				if err != nil {
					return err
				}
				state := "disabled"
				if enabled {
					state = "enabled"
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), state)
				return err
			},
		},
	)

	return cmd
}
