package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

func newSyncCommand(r *runner) *cobra.Command {
	var (
		vaultRef  string
		opts      session.SyncOptions
		noDeliver bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the server vault, reconcile, then push queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				if err := a.unlock(ctx, v); err != nil {
					return err
				}
				res, err := a.ctrl.Sync(ctx, v.ID, opts)
				if errors.Is(err, common.ErrEmptyVaultBlocked) {
					return fmt.Errorf("%w (run again with --allow-empty if the server vault was emptied on purpose)", err)
				}
				if err != nil {
					return err
				}
				a.printSync(res)
				if noDeliver {
					return nil
				}
				_, err = a.deliver(ctx, v.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "sync even when the account revision is unchanged")
	cmd.Flags().BoolVar(&opts.AllowEmpty, "allow-empty", false, "accept an empty server vault")
	cmd.Flags().BoolVar(&noDeliver, "no-deliver", false, "do not push queued changes")
	return cmd
}

func newDeliverCommand(r *runner) *cobra.Command {
	var vaultRef string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Push queued changes to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				if err := a.unlock(ctx, v); err != nil {
					return err
				}
				_, err = a.deliver(ctx, v.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	return cmd
}

func (a *App) printSync(res *session.SyncResult) {
	if res.Skipped {
		a.printf("Vault %s is up to date.\n", res.VaultID)
		return
	}
	a.printf("Synced vault %s: %s, folders=%d\n", res.VaultID, res.Counts, res.Folders)
	for _, f := range res.Failures {
		a.printf("  skipped item %s: %v\n", f.RemoteID, f.Err)
	}
	if res.Counts.Conflicts > 0 {
		a.printf("  %d conflict(s) need attention: vaultsync conflicts list\n", res.Counts.Conflicts)
	}
}

// deliver drains the queue of one vault with a progress bar.
func (a *App) deliver(ctx context.Context, vaultID string) (queue.DrainResult, error) {
	ops, err := a.queue.List(ctx, operations.Filter{VaultID: vaultID, Status: models.StatusPending})
	if err != nil {
		return queue.DrainResult{}, err
	}
	if len(ops) == 0 {
		a.printf("Nothing to deliver.\n")
		return queue.DrainResult{}, nil
	}

	bar := progressbar.NewOptions(len(ops),
		progressbar.OptionSetWriter(a.out),
		progressbar.OptionSetDescription("Delivering"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	ch, unsubscribe := a.ctrl.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.VaultID != vaultID {
				continue
			}
			if ev.Type == events.OperationDelivered || ev.Type == events.OperationFailed {
				_ = bar.Add(1)
			}
		}
	}()

	res, err := a.ctrl.Deliver(ctx, vaultID)
	unsubscribe()
	<-done
	_ = bar.Finish()

	a.printf("Delivered %d, retrying %d, failed %d\n", res.Delivered, res.Retrying, res.Failed)
	return res, err
}

func newStatusCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vaults, open conflicts and queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				vaults, err := a.ctrl.Vaults(ctx)
				if err != nil {
					return err
				}
				if len(vaults) == 0 {
					a.printf("No vaults. Run vaultsync login.\n")
					return nil
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tEMAIL\tSERVER\tSTATE\tLAST SYNC\tCONFLICTS\tQUEUED\tFAILED")
				for _, vs := range vaults {
					v := vs.Vault
					conflicts, err := a.ctrl.Conflicts(ctx, v.ID, true)
					if err != nil {
						return err
					}
					ops, err := a.ctrl.PendingOperations(ctx, operations.Filter{VaultID: v.ID})
					if err != nil {
						return err
					}
					queued, failed := 0, 0
					for _, op := range ops {
						switch op.Status {
						case models.StatusPending, models.StatusInProgress:
							queued++
						case models.StatusFailed:
							failed++
						}
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						v.ID, v.Email, v.ServerURL, vs.State, formatTime(v.LastSyncAt), len(conflicts), queued, failed)
				}
				return tw.Flush()
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
