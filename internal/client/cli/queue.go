package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
)

func newQueueCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queued changes",
	}

	var (
		vaultRef string
		status   string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				f := operations.Filter{Status: models.OperationStatus(status)}
				if vaultRef != "" {
					v, err := a.resolveVault(ctx, vaultRef)
					if err != nil {
						return err
					}
					f.VaultID = v.ID
				}
				ops, err := a.ctrl.PendingOperations(ctx, f)
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					a.printf("Queue is empty.\n")
					return nil
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tTARGET\tRECORD\tSTATUS\tRETRIES\tNEXT RETRY\tLAST ERROR")
				for _, op := range ops {
					next := "-"
					if op.Status == models.StatusPending && !op.NextRetryAt.IsZero() {
						next = formatTime(op.NextRetryAt)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						op.ID, op.Kind, op.Target, op.RecordID, op.Status, op.RetryCount, op.MaxRetries, next, op.LastError)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	list.Flags().StringVar(&status, "status", "", "pending, in_progress, failed or completed")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed operation back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				if err := a.ctrl.RetryOperation(ctx, args[0]); err != nil {
					return err
				}
				a.printf("Operation %s queued again\n", args[0])
				return nil
			})
		},
	}

	discard := &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop an operation without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				if err := a.ctrl.DiscardOperation(ctx, args[0]); err != nil {
					return err
				}
				a.printf("Operation %s discarded\n", args[0])
				return nil
			})
		},
	}

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				n, err := a.queue.CleanupCompleted(ctx, olderThan)
				if err != nil {
					return err
				}
				a.printf("Removed %d completed operation(s)\n", n)
				return nil
			})
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "keep operations completed more recently")

	cmd.AddCommand(list, retry, discard, cleanup)
	return cmd
}
