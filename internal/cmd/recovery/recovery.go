// Package recovery implements the "recover" command tree: writing the
// pre-teardown breadcrumb and running compaction recovery on startup.
package recovery

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/leasekeeper/internal/cmd/cmdutil"
	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/reclaim"
	"github.com/Iron-Ham/leasekeeper/internal/styles"
)

// Register adds the recover command to parent.
func Register(parent *cobra.Command) {
	parent.AddCommand(NewCommand())
}

// NewCommand builds the recover command and its subcommands.
func NewCommand() *cobra.Command {
	var (
		jsonOut   bool
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover work-item ownership after a context reset",
		Long: `Recover work-item ownership after a context reset.

Run "recover breadcrumb <key>" before a teardown that will drop the session's
memory, and "recover run" when the session starts again. Recovery reclaims the
work-item only when it is unclaimed or its holder has gone stale. Breadcrumbs
older than 30 minutes are ignored.`,
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")
	cmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id (default: resolved from the parent process)")

	breadcrumbCmd := &cobra.Command{
		Use:   "breadcrumb <key>",
		Short: "Record the work-item this session holds before teardown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := cmdutil.Load()
			if err != nil {
				return err
			}
			defer env.Close()

			sid, err := env.SessionID(sessionID)
			if err != nil {
				return err
			}
			b, err := env.Breadcrumbs().Write(args[0], sid)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return cmdutil.PrintJSON(out, b)
			}
			fmt.Fprintf(out, "Breadcrumb written for %s\n", b.ResourceKey)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the pending breadcrumb, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := cmdutil.Load()
			if err != nil {
				return err
			}
			defer env.Close()

			b, err := env.Breadcrumbs().Peek()
			unreadable := errors.Is(err, reclaim.ErrUnreadableBreadcrumb)
			if err != nil && !unreadable {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()
			if jsonOut {
				if b == nil && !unreadable {
					return cmdutil.PrintJSON(out, nil)
				}
				return cmdutil.PrintJSON(out, breadcrumbView{
					Breadcrumb: b,
					Expired:    b != nil && b.Expired(now),
					Unreadable: unreadable,
				})
			}
			p := styles.NewPrinter(out)
			switch {
			case unreadable:
				fmt.Fprintln(out, p.Warning("Breadcrumb file is unreadable; the next recovery run will discard it"))
				return nil
			case b == nil:
				fmt.Fprintln(out, p.Muted("No pending breadcrumb"))
				return nil
			}
			written := lease.FormatSince(b.WrittenAt, now) + " ago"
			if b.Expired(now) {
				written += " " + p.Warning("(expired)")
			}
			fmt.Fprintln(out, p.Field("Work-item", b.ResourceKey))
			fmt.Fprintln(out, p.Field("Session", b.PreviousSessionID))
			fmt.Fprintln(out, p.Field("Written", written))
			return nil
		},
	}

	discardCmd := &cobra.Command{
		Use:   "discard",
		Short: "Delete the pending breadcrumb",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := cmdutil.Load()
			if err != nil {
				return err
			}
			defer env.Close()
			return env.Breadcrumbs().Discard()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run compaction recovery for the current session",
		Long: `Run compaction recovery once.

Exits 0 when there was nothing to do, the session already holds a lease, or
the work-item was reclaimed. Exits 1 when recovery had to stop because another
session still holds the work-item.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := cmdutil.Load()
			if err != nil {
				return err
			}
			defer env.Close()

			sid, err := env.SessionID(sessionID)
			if err != nil {
				return err
			}
			store, err := env.OpenStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx, cancel := env.Context(cmd)
			defer cancel()

			coord := reclaim.NewCoordinator(env.Guard(store), env.Breadcrumbs(), reclaim.WithLogger(env.Logger))
			outcome, err := coord.Run(ctx, sid)
			if err != nil {
				return env.StoreTimeout(err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := cmdutil.PrintJSON(out, outcome); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, describe(styles.NewPrinter(out), outcome))
			}
			switch outcome.Kind {
			case reclaim.AbortedWait, reclaim.AbortedForeignHold:
				return cmdutil.Exit(1)
			}
			return nil
		},
	}

	cmd.AddCommand(breadcrumbCmd, showCmd, discardCmd, runCmd)
	return cmd
}

// breadcrumbView is the JSON shape of "recover show".
type breadcrumbView struct {
	*reclaim.Breadcrumb
	Expired    bool `json:"expired"`
	Unreadable bool `json:"unreadable,omitempty"`
}

func describe(p *styles.Printer, o *reclaim.Outcome) string {
	age := lease.FormatAge(o.HeartbeatAge)
	switch o.Kind {
	case reclaim.NothingToRecover:
		return p.Muted("Nothing to recover")
	case reclaim.AlreadyHolding:
		return p.Success(fmt.Sprintf("Already holding %s", o.ResourceKey))
	case reclaim.Reclaimed:
		return p.Success(fmt.Sprintf("Reclaimed %s", o.ResourceKey))
	case reclaim.AbortedWait:
		return p.Warning(fmt.Sprintf("%s is still held by previous session %s (last heartbeat %s ago). Run recovery again once it goes stale.",
			o.ResourceKey, o.Holder, age))
	case reclaim.AbortedForeignHold:
		return p.Error(fmt.Sprintf("%s is held by session %s (last heartbeat %s ago). Recovery abandoned.",
			o.ResourceKey, o.Holder, age))
	}
	return string(o.Kind)
}
