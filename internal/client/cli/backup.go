package cli

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/backup"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// newObjectStore builds the backup store. Tests replace it.
var newObjectStore = func(ctx context.Context, a *App) (backup.ObjectStore, error) {
	b := a.cfg.Backup
	return backup.NewS3Store(ctx, backup.S3Options{
		Bucket:          b.Bucket,
		Region:          b.Region,
		Endpoint:        b.Endpoint,
		UsePathStyle:    b.UsePathStyle,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
	})
}

func (a *App) backupService(ctx context.Context) (*backup.Service, error) {
	store, err := newObjectStore(ctx, a)
	if err != nil {
		return nil, err
	}
	return backup.NewService(a.db, a.repos, store, a.cfg.Backup.Prefix, a.logger), nil
}

func newBackupCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted backups of the local store in object storage",
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Upload an encrypted backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				svc, err := a.backupService(ctx)
				if err != nil {
					return err
				}
				pass, err := a.newPassphrase()
				if err != nil {
					return err
				}
				defer clear(pass)
				key, err := svc.Push(ctx, pass)
				if err != nil {
					return err
				}
				a.printf("Uploaded %s\n", key)
				return nil
			})
		},
	}

	var yes bool
	pull := &cobra.Command{
		Use:   "pull [key]",
		Short: "Restore a backup, the newest one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return r.withApp(ctx, func(a *App) error {
				if !yes {
					ok, err := a.prompt.Confirm("Replace local records of the vaults in the backup?")
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				svc, err := a.backupService(ctx)
				if err != nil {
					return err
				}
				pass, err := a.prompt.Secret("Backup passphrase")
				if err != nil {
					return err
				}
				defer clear(pass)
				archive, err := svc.Pull(ctx, key, pass)
				if err != nil {
					return err
				}
				a.printf("Restored %d vault(s), %d record(s), %d queued operation(s) from %s\n",
					len(archive.Vaults), len(archive.Records), len(archive.Operations), archive.CreatedAt.Format("2006-01-02 15:04:05"))
				return nil
			})
		},
	}
	pull.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				svc, err := a.backupService(ctx)
				if err != nil {
					return err
				}
				keys, err := svc.List(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					a.printf("%s\n", k)
				}
				last, err := svc.LastPush(ctx)
				if err != nil {
					return err
				}
				a.printf("Last push from this device: %s\n", formatTime(last))
				return nil
			})
		},
	}

	cmd.AddCommand(push, pull, list)
	return cmd
}

// newPassphrase asks for a backup passphrase twice.
func (a *App) newPassphrase() ([]byte, error) {
	pass, err := a.prompt.Secret("Backup passphrase")
	if err != nil {
		return nil, err
	}
	again, err := a.prompt.Secret("Repeat passphrase")
	if err != nil {
		clear(pass)
		return nil, err
	}
	defer clear(again)
	if !bytes.Equal(pass, again) {
		clear(pass)
		return nil, fmt.Errorf("%w: passphrases do not match", common.ErrValidation)
	}
	return pass, nil
}
