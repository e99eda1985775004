package cli

import (
	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/config"
)

func newConfigCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the merged configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				b, err := r.cfg.YAML()
				if err != nil {
					return err
				}
				_, err = r.out.Write(b)
				return err
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the data directory",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				_, err := r.out.Write([]byte(config.DataDir() + "\n"))
				return err
			},
		},
	)
	return cmd
}
