package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoyinJoester/Monica-sub008/internal/agent"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

var jsonOut = protojson.MarshalOptions{Multiline: true, Indent: "  "}

func newAgentCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run or control the background sync agent",
	}
	cmd.AddCommand(
		newAgentRunCommand(r),
		newAgentStatusCommand(r),
		newAgentSyncCommand(r),
		newAgentLockCommand(r),
		newAgentEventsCommand(r),
	)
	return cmd
}

// withAgent connects to the running agent with the token it left behind.
func (r *runner) withAgent(fn func(*agent.Client) error) error {
	token, err := agent.ReadTokenFile(r.cfg.Agent.TokenFile)
	if err != nil {
		return fmt.Errorf("agent is not running or token is unreadable: %w", err)
	}
	c, err := agent.Dial(r.cfg.Agent.Address, token)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func newAgentRunCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Unlock vaults and keep them in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return r.withApp(ctx, func(a *App) error {
				vaults, err := a.agentVaults(ctx)
				if err != nil {
					return err
				}
				for _, v := range vaults {
					if err := a.unlock(ctx, v); err != nil {
						return fmt.Errorf("vault %s: %w", v.Email, err)
					}
				}

				srv, err := agent.NewServer(a.ctrl, agent.Options{
					Address:   a.cfg.Agent.Address,
					TokenFile: a.cfg.Agent.TokenFile,
					Interval:  a.cfg.Sync.Interval,
					Logger:    a.logger,
				})
				if err != nil {
					return err
				}
				a.printf("Agent listening on %s with %d vault(s)\n", a.cfg.Agent.Address, len(vaults))
				return srv.Run(ctx)
			})
		},
	}
}

// agentVaults returns the configured vaults, or every vault that can be
// unlocked and takes part in sync.
func (a *App) agentVaults(ctx context.Context) ([]*models.Vault, error) {
	if len(a.cfg.Agent.Vaults) > 0 {
		out := make([]*models.Vault, 0, len(a.cfg.Agent.Vaults))
		for _, ref := range a.cfg.Agent.Vaults {
			v, err := a.resolveVault(ctx, ref)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	all, err := a.repos.Vaults(a.db).List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Vault
	for _, v := range all {
		if v.SyncEnabled && v.HasCredentials() {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *runner) printStruct(s *structpb.Struct) error {
	b, err := jsonOut.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.out, string(b))
	return err
}

func newAgentStatusCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the vaults held by the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withAgent(func(c *agent.Client) error {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return r.printStruct(st)
			})
		},
	}
}

func newAgentSyncCommand(r *runner) *cobra.Command {
	var vaultID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask the agent for an immediate sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withAgent(func(c *agent.Client) error {
				res, err := c.Sync(cmd.Context(), vaultID)
				if res != nil {
					if perr := r.printStruct(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault id; all unlocked vaults when empty")
	return cmd
}

func newAgentLockCommand(r *runner) *cobra.Command {
	var vaultID string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Lock one vault in the agent, or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withAgent(func(c *agent.Client) error {
				if vaultID == "" {
					return c.LockAll(cmd.Context())
				}
				return c.Lock(cmd.Context(), vaultID)
			})
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault id")
	return cmd
}

func newAgentEventsCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow engine events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withAgent(func(c *agent.Client) error {
				return c.Events(cmd.Context(), func(ev *structpb.Struct) error {
					f := ev.GetFields()
					line := fmt.Sprintf("%s %s %s", f["at"].GetStringValue(), f["type"].GetStringValue(), f["vault_id"].GetStringValue())
					if d := f["detail"].GetStringValue(); d != "" {
						line += " " + d
					}
					if e := f["error"].GetStringValue(); e != "" {
						line += " error=" + e
					}
					_, err := fmt.Fprintln(r.out, line)
					return err
				})
			})
		},
	}
}
