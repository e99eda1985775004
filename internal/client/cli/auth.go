package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

func newLoginCommand(r *runner) *cobra.Command {
	var (
		email    string
		remember bool
		noSync   bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a server and run the first sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				server := a.cfg.ServerURL
				var err error
				if server == "" {
					if server, err = a.prompt.Line("Server URL"); err != nil {
						return err
					}
				}
				if email == "" {
					if email, err = a.prompt.Line("Email"); err != nil {
						return err
					}
				}
				pw, err := a.prompt.Secret("Master password")
				if err != nil {
					return err
				}
				defer clear(pw)

				outcome, err := a.ctrl.Login(ctx, session.LoginRequest{Email: email, Password: pw, ServerURL: server})
				if err != nil {
					return err
				}

				var vaultID string
				switch o := outcome.(type) {
				case session.LoggedIn:
					vaultID = o.VaultID
				case session.TwoFactorRequired:
					if vaultID, err = a.twoFactor(cmd, o, remember); err != nil {
						return err
					}
				}
				a.printf("Logged in, vault %s\n", vaultID)

				if noSync {
					return nil
				}
				res, err := a.ctrl.Sync(ctx, vaultID, session.SyncOptions{})
				if err != nil {
					return fmt.Errorf("first sync failed: %w", err)
				}
				a.printSync(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().BoolVar(&remember, "remember", false, "ask the server to remember this device for two-factor")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "skip the first sync")
	return cmd
}

// twoFactor answers a challenge interactively. A rejected code may be
// retried until the challenge expires.
func (a *App) twoFactor(cmd *cobra.Command, ch session.TwoFactorRequired, remember bool) (string, error) {
	ctx := cmd.Context()
	provider, err := a.chooseProvider(ch.Providers)
	if err != nil {
		_ = a.ctrl.CancelTwoFactor(ch.ChallengeID)
		return "", err
	}
	for {
		code, err := a.prompt.Line(fmt.Sprintf("Code (%s)", provider))
		if err != nil {
			_ = a.ctrl.CancelTwoFactor(ch.ChallengeID)
			return "", err
		}
		vaultID, err := a.ctrl.CompleteTwoFactor(ctx, ch.ChallengeID, provider, code, remember)
		if errors.Is(err, common.ErrTwoFactorInvalid) {
			a.printf("Code rejected, try again.\n")
			continue
		}
		return vaultID, err
	}
}

func (a *App) chooseProvider(providers []transport.TwoFactorProvider) (transport.TwoFactorProvider, error) {
	if len(providers) == 0 {
		return 0, fmt.Errorf("%w: server offered no two-factor provider", common.ErrTwoFactorRequired)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	for i, p := range providers {
		a.printf("  %d) %s\n", i+1, p)
	}
	ans, err := a.prompt.Line("Two-factor method")
	if err != nil {
		return 0, err
	}
	if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(providers) {
		return providers[n-1], nil
	}
	p, err := transport.ParseTwoFactorProvider(strings.TrimSpace(ans))
	if err != nil {
		return 0, fmt.Errorf("%w: unknown two-factor method %q", common.ErrValidation, ans)
	}
	return p, nil
}

func newUnlockCommand(r *runner) *cobra.Command {
	var vaultRef string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Check the master password of a vault",
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
				a.printf("Vault %s unlocked. Keys are dropped when this command exits.\n", v.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	return cmd
}

func newLogoutCommand(r *runner) *cobra.Command {
	var (
		vaultRef string
		purge    bool
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the credentials of a vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				v, err := a.resolveVault(ctx, vaultRef)
				if err != nil {
					return err
				}
				if purge && !yes {
					ok, err := a.prompt.Confirm(fmt.Sprintf("Delete vault %s and every local item linked to it?", v.Email))
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				if err := a.ctrl.Logout(ctx, v.ID, purge); err != nil {
					return err
				}
				a.printf("Logged out of %s\n", v.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vaultRef, "vault", "", "vault id or email")
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete local data of the vault")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
