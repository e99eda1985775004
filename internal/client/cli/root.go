package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/config"
)

// Set at build time with -ldflags "-X ...".
var (
	buildVersion = "N/A"
	buildDate    = "N/A"
	buildCommit  = "N/A"
)

// runner carries state shared by all commands of one invocation.
type runner struct {
	configPath string
	cfg        *config.Config
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
}

// withApp opens the engine for the duration of fn.
func (r *runner) withApp(ctx context.Context, fn func(*App) error) error {
	app, err := NewApp(ctx, r.cfg, r.in, r.out, r.errOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(context.WithoutCancel(ctx)); err != nil {
			app.logger.Warn(ctx, "failed to close local store", "err", err)
		}
	}()
	return fn(app)
}

// NewRootCommand builds the vaultsync command tree.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	r := &runner{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "vaultsync",
		Short:         "Synchronize remote password vaults with the local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(r.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			r.cfg = cfg
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&r.configPath, "config", "c", "", "config file (default: vaultsync.yaml in the data or working directory)")
	pf.String("db-driver", "", "local store driver: sqlite or postgres")
	pf.String("db-dsn", "", "local store DSN")
	pf.String("server", "", "server URL used by login")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("agent-addr", "", "control agent address")

	root.AddCommand(
		newLoginCommand(r),
		newUnlockCommand(r),
		newLogoutCommand(r),
		newSyncCommand(r),
		newDeliverCommand(r),
		newStatusCommand(r),
		newRecordsCommand(r),
		newFoldersCommand(r),
		newConflictsCommand(r),
		newQueueCommand(r),
		newAgentCommand(r),
		newBackupCommand(r),
		newConfigCommand(r),
		newVersionCommand(r),
	)
	return root
}

func newVersionCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print build information",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(r.out, "Build version: %s\nBuild date: %s\nBuild commit: %s\n", buildVersion, buildDate, buildCommit)
		},
	}
}

// Execute runs the CLI against the process streams and returns the exit
// code.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
