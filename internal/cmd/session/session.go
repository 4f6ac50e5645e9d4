// Package session implements the "session" command tree, which manages the
// descriptors the identity resolver reads.
package session

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/leasekeeper/internal/cmd/cmdutil"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/session"
	"github.com/Iron-Ham/leasekeeper/internal/styles"
	"github.com/Iron-Ham/leasekeeper/internal/util"
)

// NewCommand builds the session command and its subcommands.
func NewCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Register and resolve agent sessions",
		Long: `Manage session descriptors.

A session registers once when it starts. Later invocations, including ones
that lost their in-memory context, resolve the session id by matching their
parent process against the registered descriptors.`,
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")

	var id, label string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register the calling process as a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				d, err := r.Register(session.Descriptor{SessionID: id, Label: label})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return cmdutil.PrintJSON(out, d)
				}
				fmt.Fprintln(out, d.SessionID)
				return nil
			})
		},
	}
	registerCmd.Flags().StringVar(&id, "id", "", "session id (default: random UUID)")
	registerCmd.Flags().StringVar(&label, "label", "", "human-readable label")

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the session id of the calling process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				sid, err := r.ResolveCurrentSessionID()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return cmdutil.PrintJSON(out, map[string]any{"session_id": sid, "pid": os.Getppid()})
				}
				fmt.Fprintln(out, sid)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				all, err := r.List()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					if all == nil {
						all = []session.Descriptor{}
					}
					return cmdutil.PrintJSON(out, all)
				}
				p := styles.NewPrinter(out)
				if len(all) == 0 {
					fmt.Fprintln(out, p.Muted("No registered sessions"))
					return nil
				}
				now := time.Now()
				for _, d := range all {
					state := p.Success("alive")
					if !util.ProcessAlive(d.PID) {
						state = p.Muted("dead ")
					}
					fmt.Fprintf(out, "%s  %s  %-8d %s  %s\n",
						util.PadRight(util.Truncate(d.SessionID, 36), 36),
						state,
						d.PID,
						util.PadRight(util.Truncate(d.Label, 20), 20),
						p.Muted("started "+lease.FormatSince(d.StartedAt, now)))
				}
				return nil
			})
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove descriptors whose process has exited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				pruned, err := r.Prune()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					if pruned == nil {
						pruned = []session.Descriptor{}
					}
					return cmdutil.PrintJSON(out, pruned)
				}
				p := styles.NewPrinter(out)
				if len(pruned) == 0 {
					fmt.Fprintln(out, p.Muted("Nothing to prune"))
					return nil
				}
				for _, d := range pruned {
					fmt.Fprintf(out, "Removed %s (pid %d)\n", d.SessionID, d.PID)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				d, err := r.Lookup(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return cmdutil.PrintJSON(out, d)
				}
				p := styles.NewPrinter(out)
				fmt.Fprintln(out, p.Title(d.SessionID))
				fmt.Fprintln(out, p.Field("PID", fmt.Sprintf("%d", d.PID)))
				fmt.Fprintln(out, p.Field("Alive", fmt.Sprintf("%t", util.ProcessAlive(d.PID))))
				if d.Label != "" {
					fmt.Fprintln(out, p.Field("Label", d.Label))
				}
				if d.Hostname != "" {
					fmt.Fprintln(out, p.Field("Host", d.Hostname))
				}
				fmt.Fprintln(out, p.Field("Started", lease.FormatSince(d.StartedAt, time.Now())))
				return nil
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a session descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(env *cmdutil.Env, r *session.Registry) error {
				if err := r.Remove(args[0]); err != nil {
					return err
				}
				if !jsonOut {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(registerCmd, whoamiCmd, showCmd, listCmd, pruneCmd, removeCmd)
	return cmd
}

func withRegistry(fn func(env *cmdutil.Env, r *session.Registry) error) error {
	env, err := cmdutil.Load()
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env, env.Registry())
}
