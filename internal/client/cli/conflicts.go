package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

func newConflictsCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	var (
		vaultRef string
		all      bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				vaultID := ""
				if vaultRef != "" {
					v, err := a.resolveVault(ctx, vaultRef)
					if err != nil {
						return err
					}
					vaultID = v.ID
				}
				conflicts, err := a.ctrl.Conflicts(ctx, vaultID, !all)
				if err != nil {
					return err
				}
				if len(conflicts) == 0 {
					a.printf("No conflicts.\n")
					return nil
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tRECORD\tSUMMARY\tRESOLUTION\tCREATED")
				for _, k := range conflicts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						k.ID, k.Type, k.RecordID, k.Summary, k.Resolution, formatTime(k.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	list.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	var keep string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Keep the local or the server version of a conflicted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res models.Resolution
			switch keep {
			case "local":
				res = models.ResolutionKeptLocal
			case "server":
				res = models.ResolutionKeptServer
			default:
				return fmt.Errorf("%w: --keep must be local or server", common.ErrValidation)
			}
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				if err := a.ctrl.ResolveConflict(ctx, args[0], res); err != nil {
					return err
				}
				a.printf("Conflict %s resolved: %s\n", args[0], res)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&keep, "keep", "", "local or server")
	_ = resolve.MarkFlagRequired("keep")

	cmd.AddCommand(list, resolve)
	return cmd
}
