package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/records"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

func newRecordsCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List and edit local records",
	}
	cmd.AddCommand(
		newRecordsListCommand(r),
		newRecordsShowCommand(r),
		newRecordsAddCommand(r),
		newRecordsDeleteCommand(r),
		newRecordsRestoreCommand(r),
	)
	return cmd
}

func newRecordsListCommand(r *runner) *cobra.Command {
	var (
		vaultRef string
		filter   records.Filter
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				if vaultRef != "" {
					v, err := a.resolveVault(ctx, vaultRef)
					if err != nil {
						return err
					}
					filter.VaultID = v.ID
				}
				filter.Kind = models.RecordKind(kind)
				if kind != "" && !filter.Kind.Valid() {
					return fmt.Errorf("%w: unknown kind %q", common.ErrValidation, kind)
				}
				recs, err := a.records.List(ctx, filter)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tTITLE\tIDENTIFIER\tVAULT\tSTATE")
				for _, rec := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						rec.ID, rec.Kind(), rec.Title, rec.Payload.IdentifyingField(), rec.VaultID(), recordState(rec))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "only records of this vault")
	cmd.Flags().BoolVar(&filter.LocalOnly, "local", false, "only records not linked to a vault")
	cmd.Flags().StringVar(&kind, "kind", "", "only records of this kind")
	cmd.Flags().StringVarP(&filter.Query, "query", "q", "", "title contains")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "deleted", false, "include deletions waiting for the server")
	return cmd
}

func recordState(rec *models.Record) string {
	switch {
	case rec.Deleted:
		return "deleting"
	case rec.Remote == nil:
		return "local"
	case rec.RemoteID() == "":
		return "new"
	case rec.IsLocallyModified():
		return "modified"
	}
	return "synced"
}

func newRecordsShowCommand(r *runner) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				rec, err := a.records.Get(ctx, args[0])
				if err != nil {
					return err
				}
				a.printRecord(rec, reveal)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print secret values")
	return cmd
}

func (a *App) printRecord(rec *models.Record, reveal bool) {
	secret := func(f models.Field) string {
		if reveal || f.IsEmpty() || f.Unavailable {
			return f.String()
		}
		return "********"
	}
	a.printf("ID:     %s\nKind:   %s\nTitle:  %s\nState:  %s\n", rec.ID, rec.Kind(), rec.Title, recordState(rec))
	if rec.Remote != nil {
		a.printf("Vault:  %s\nRemote: %s\n", rec.Remote.VaultID, rec.Remote.RemoteID)
	}
	switch p := rec.Payload.(type) {
	case models.Login:
		a.printf("Username: %s\nPassword: %s\n", p.Username, secret(p.Password))
		if !p.TOTP.IsEmpty() {
			a.printf("TOTP:     %s\n", secret(p.TOTP))
		}
		for _, u := range p.URIs {
			a.printf("URI:      %s\n", u.URI)
		}
	case models.Card:
		a.printf("Cardholder: %s\nNumber:     %s\nExpires:    %s/%s\nCode:       %s\n",
			p.CardholderName, secret(p.Number), p.ExpMonth, p.ExpYear, secret(p.Code))
	case models.OneTimeCode:
		a.printf("Account: %s\nSecret:  %s\n", p.Account, secret(p.Secret))
	case models.Identity:
		a.printf("Name:  %s %s\nEmail: %s\nPhone: %s\n", p.FirstName, p.LastName, p.Email, p.Phone)
	case models.Passkey:
		a.printf("Username: %s\n", p.Username)
	}
	if !rec.Notes.IsEmpty() {
		a.printf("Notes:\n%s\n", rec.Notes)
	}
	for _, f := range rec.CustomFields {
		v := f.Value.String()
		if f.Type == models.CustomFieldHidden {
			v = secret(f.Value)
		}
		a.printf("%s = %s\n", f.Name, v)
	}
}

func newRecordsAddCommand(r *runner) *cobra.Command {
	var (
		vaultRef string
		local    bool
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a record interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				vaultID := ""
				if !local {
					v, err := a.resolveVault(ctx, vaultRef)
					if err != nil {
						return err
					}
					vaultID = v.ID
				}
				rec, err := a.readRecord(models.RecordKind(kind))
				if err != nil {
					return err
				}
				rec, err = a.records.Create(ctx, vaultID, rec)
				if err != nil {
					return err
				}
				if vaultID == "" {
					a.printf("Created local record %s\n", rec.ID)
				} else {
					a.printf("Created record %s; it is sent with the next sync or deliver\n", rec.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	cmd.Flags().BoolVar(&local, "local", false, "keep the record on this device only")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(models.KindLogin), "login, note, card or totp")
	return cmd
}

// readRecord prompts for the fields of a new record of the given kind.
func (a *App) readRecord(kind models.RecordKind) (*models.Record, error) {
	p := a.prompt
	title, err := p.Line("Title")
	if err != nil {
		return nil, err
	}
	rec := &models.Record{Title: models.Text(title)}

	switch kind {
	case models.KindLogin:
		var l models.Login
		user, err := p.Line("Username")
		if err != nil {
			return nil, err
		}
		pw, err := p.Secret("Password")
		if err != nil {
			return nil, err
		}
		uri, err := p.Line("URL (optional)")
		if err != nil {
			return nil, err
		}
		l.Username, l.Password = models.Text(user), models.Text(string(pw))
		clear(pw)
		if uri != "" {
			l.URIs = []models.URI{{URI: models.Text(uri)}}
		}
		rec.Payload = l
	case models.KindNote:
		rec.Payload = models.Note{}
	case models.KindCard:
		var c models.Card
		for _, f := range []struct {
			prompt string
			dst    *models.Field
		}{
			{"Cardholder name", &c.CardholderName},
			{"Number", &c.Number},
			{"Expiry month", &c.ExpMonth},
			{"Expiry year", &c.ExpYear},
			{"Security code", &c.Code},
		} {
			v, err := p.Line(f.prompt)
			if err != nil {
				return nil, err
			}
			*f.dst = models.Text(v)
		}
		rec.Payload = c
	case models.KindTOTP:
		account, err := p.Line("Account")
		if err != nil {
			return nil, err
		}
		secret, err := p.Secret("Secret")
		if err != nil {
			return nil, err
		}
		rec.Payload = models.OneTimeCode{Account: models.Text(account), Secret: models.Text(strings.ToUpper(string(secret)))}
		clear(secret)
	default:
		return nil, fmt.Errorf("%w: cannot create %q records here", common.ErrValidation, kind)
	}

	notes, err := p.Multiline("Notes")
	if err != nil {
		return nil, err
	}
	rec.Notes = models.Text(notes)

	lines, err := p.Fields()
	if err != nil {
		return nil, err
	}
	if rec.CustomFields, err = models.CustomFieldsFromStrings(lines); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return rec, nil
}

func newRecordsDeleteCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record; linked records are removed on the server too",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				if err := a.records.Delete(ctx, args[0]); err != nil {
					return err
				}
				a.printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newRecordsRestoreCommand(r *runner) *cobra.Command {
	var vaultRef string
	cmd := &cobra.Command{
		Use:   "restore <remote-id>",
		Short: "Restore an item from the server trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				if err := a.records.RestoreTrashed(ctx, v.ID, args[0]); err != nil {
					return err
				}
				a.printf("Restore of %s queued\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	return cmd
}

func newFoldersCommand(r *runner) *cobra.Command {
	var vaultRef string
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List and edit the folders of a vault",
	}
	cmd.PersistentFlags().StringVar(&vaultRef, "vault", "", "vault id or email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				folders, err := a.ctrl.Folders(ctx, v.ID)
				if err != nil {
					return err
				}
				for _, f := range folders {
					mark := ""
					if f.IsLocallyModified {
						mark = " (modified)"
					}
					a.printf("%s\t%s%s\n", f.RemoteID, f.Name, mark)
				}
				return nil
			})
		},
	}
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				return a.records.CreateFolder(ctx, v.ID, args[0])
			})
		},
	}
	rename := &cobra.Command{
		Use:   "rename <remote-id> <name>",
		Short: "Rename a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				return a.records.RenameFolder(ctx, v.ID, args[0], args[1])
			})
		},
	}
	remove := &cobra.Command{
		Use:   "delete <remote-id>",
		Short: "Delete a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				return a.records.DeleteFolder(ctx, v.ID, args[0])
			})
		},
	}
	cmd.AddCommand(list, create, rename, remove)
	return cmd
}
