// Package workitem implements the work-item lease commands: claim, verify,
// heartbeat, release, inspect and leases.
package workitem

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/leasekeeper/internal/claim"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/cmdutil"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/styles"
	"github.com/Iron-Ham/leasekeeper/internal/util"
)

type options struct {
	session string
	json    bool
	reason  string
	match   string
}

// Register adds the work-item commands to parent.
func Register(parent *cobra.Command) {
	for _, c := range NewCommands() {
		parent.AddCommand(c)
	}
}

// NewCommands builds the work-item commands.
func NewCommands() []*cobra.Command {
	claimCmd := &cobra.Command{
		Use:   "claim <key>",
		Short: "Claim or refresh the lease on a work-item",
		Long: `Claim the lease on a work-item for the current session.

Claiming a work-item you already hold refreshes its heartbeat. A lease held by
another session can only be taken once its heartbeat is older than
lease.stale_after (default 5m). Exits 1 when the work-item is held elsewhere.`,
		Args: cobra.ExactArgs(1),
	}
	verifyCmd := &cobra.Command{
		Use:   "verify <key>",
		Short: "Exit 0 if the current session holds a live lease on the work-item",
		Args:  cobra.ExactArgs(1),
	}
	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat <key>",
		Short: "Refresh a lease the current session holds",
		Args:  cobra.ExactArgs(1),
	}
	releaseCmd := &cobra.Command{
		Use:   "release <key>",
		Short: "Release the lease on a work-item",
		Long: `Release the lease on a work-item.

With the default reason (owner_release) only the holder may release. An
operator may clear another session's lease only once it is stale, using
--reason administrative_override or --reason stale_reclaim.`,
		Args: cobra.ExactArgs(1),
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show who holds a work-item",
		Args:  cobra.ExactArgs(1),
	}
	leasesCmd := &cobra.Command{
		Use:   "leases",
		Short: "List every work-item lease",
		Args:  cobra.NoArgs,
	}

	cmds := []*cobra.Command{claimCmd, verifyCmd, heartbeatCmd, releaseCmd, inspectCmd, leasesCmd}
	opts := make([]*options, len(cmds))
	for i, c := range cmds {
		o := &options{}
		opts[i] = o
		c.Flags().BoolVar(&o.json, "json", false, "print machine-readable JSON")
		if c != leasesCmd && c != inspectCmd {
			c.Flags().StringVarP(&o.session, "session", "s", "", "session id (default: resolved from the parent process)")
		}
	}
	releaseCmd.Flags().StringVar(&opts[3].reason, "reason", string(lease.ReasonOwnerRelease),
		"release reason: owner_release, stale_reclaim or administrative_override")

	leasesCmd.Flags().StringVarP(&opts[5].match, "match", "m", "", `only list keys matching a glob, e.g. "team-a/*"`)

	claimCmd.RunE = func(cmd *cobra.Command, args []string) error { return runClaim(cmd, opts[0], args[0]) }
	verifyCmd.RunE = func(cmd *cobra.Command, args []string) error { return runVerify(cmd, opts[1], args[0]) }
	heartbeatCmd.RunE = func(cmd *cobra.Command, args []string) error { return runHeartbeat(cmd, opts[2], args[0]) }
	releaseCmd.RunE = func(cmd *cobra.Command, args []string) error { return runRelease(cmd, opts[3], args[0]) }
	inspectCmd.RunE = func(cmd *cobra.Command, args []string) error { return runInspect(cmd, opts[4], args[0]) }
	leasesCmd.RunE = func(cmd *cobra.Command, args []string) error { return runLeases(cmd, opts[5]) }
	return cmds
}

// withGuard loads config, opens the store and hands a guard to fn.
func withGuard(fn func(env *cmdutil.Env, g *claim.Guard) error) error {
	env, err := cmdutil.Load()
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := env.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return env.StoreTimeout(fn(env, env.Guard(store)))
}

func runClaim(cmd *cobra.Command, opts *options, key string) error {
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		sessionID, err := env.SessionID(opts.session)
		if err != nil {
			return err
		}
		ctx, cancel := env.Context(cmd)
		defer cancel()

		res, err := g.Claim(ctx, key, sessionID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if opts.json {
			if err := cmdutil.PrintJSON(out, res); err != nil {
				return err
			}
		} else {
			p := styles.NewPrinter(out)
			if res.Success {
				fmt.Fprintln(out, p.Success(fmt.Sprintf("Claimed %s (%s)", key, res.Status)))
				fmt.Fprintln(out, p.Field("Session", sessionID))
				fmt.Fprintln(out, p.Field("Acquired", res.Claim.AcquiredAt.Local().Format("2006-01-02 15:04:05")))
			} else {
				fmt.Fprintln(out, p.Error(claim.FormatFailure(res)))
			}
		}
		if !res.Success {
			return cmdutil.Exit(1)
		}
		return nil
	})
}

func runVerify(cmd *cobra.Command, opts *options, key string) error {
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		sessionID, err := env.SessionID(opts.session)
		if err != nil {
			return err
		}
		ctx, cancel := env.Context(cmd)
		defer cancel()

		ok, err := g.VerifyOwnership(ctx, key, sessionID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			if err := cmdutil.PrintJSON(out, map[string]any{"resource_key": key, "session_id": sessionID, "owned": ok}); err != nil {
				return err
			}
		} else if ok {
			fmt.Fprintf(out, "%s holds %s\n", sessionID, key)
		} else {
			fmt.Fprintf(out, "%s does not hold %s\n", sessionID, key)
		}
		if !ok {
			return cmdutil.Exit(1)
		}
		return nil
	})
}

func runHeartbeat(cmd *cobra.Command, opts *options, key string) error {
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		sessionID, err := env.SessionID(opts.session)
		if err != nil {
			return err
		}
		ctx, cancel := env.Context(cmd)
		defer cancel()

		l, err := g.Heartbeat(ctx, key, sessionID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			return cmdutil.PrintJSON(out, l)
		}
		fmt.Fprintln(out, styles.NewPrinter(out).Success(fmt.Sprintf("Refreshed %s", key)))
		return nil
	})
}

func runRelease(cmd *cobra.Command, opts *options, key string) error {
	reason, err := lease.ParseReleaseReason(opts.reason)
	if err != nil {
		return err
	}
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		sessionID, err := env.SessionID(opts.session)
		if err != nil {
			return err
		}
		ctx, cancel := env.Context(cmd)
		defer cancel()

		res, err := g.Release(ctx, key, sessionID, reason)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			return cmdutil.PrintJSON(out, res)
		}
		p := styles.NewPrinter(out)
		if !res.Released {
			fmt.Fprintln(out, p.Muted(fmt.Sprintf("%s was not claimed", key)))
			return nil
		}
		fmt.Fprintln(out, p.Success(fmt.Sprintf("Released %s (%s)", key, res.Reason)))
		if res.PreviousHolder != sessionID {
			fmt.Fprintln(out, p.Field("Previous holder", res.PreviousHolder))
		}
		return nil
	})
}

func runInspect(cmd *cobra.Command, opts *options, key string) error {
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		ctx, cancel := env.Context(cmd)
		defer cancel()

		e, err := g.Inspect(ctx, key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			return cmdutil.PrintJSON(out, e)
		}
		p := styles.NewPrinter(out)
		if e == nil {
			fmt.Fprintln(out, p.Muted(fmt.Sprintf("%s is not claimed", key)))
			return nil
		}
		printEntry(out, p, e)
		return nil
	})
}

func printEntry(out io.Writer, p *styles.Printer, e *claim.Entry) {
	state := p.Success("live")
	if e.Stale {
		state = p.Warning("stale")
	}
	fmt.Fprintln(out, p.Title(e.Lease.ResourceKey))
	fmt.Fprintln(out, p.Field("Holder", e.Lease.HolderSessionID))
	fmt.Fprintln(out, p.Field("State", state))
	fmt.Fprintln(out, p.Field("Heartbeat", lease.FormatAge(e.Age)+" ago"))
	if e.Lease.OwnerMetadata != "" {
		fmt.Fprintln(out, p.Field("Owner", e.Lease.OwnerMetadata))
	}
}

func runLeases(cmd *cobra.Command, opts *options) error {
	return withGuard(func(env *cmdutil.Env, g *claim.Guard) error {
		ctx, cancel := env.Context(cmd)
		defer cancel()

		entries, err := g.List(ctx)
		if err != nil {
			return err
		}
		if entries, err = claim.FilterEntries(entries, opts.match); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			return cmdutil.PrintJSON(out, entries)
		}
		p := styles.NewPrinter(out)
		if len(entries) == 0 {
			fmt.Fprintln(out, p.Muted("No work-item leases"))
			return nil
		}
		for _, e := range entries {
			state := p.Success("live ")
			if e.Stale {
				state = p.Warning("stale")
			}
			fmt.Fprintf(out, "%s  %s  %s  %s\n",
				util.PadRight(util.Truncate(e.Lease.ResourceKey, 24), 24),
				state,
				util.PadRight(util.Truncate(e.Lease.HolderSessionID, 36), 36),
				p.Muted(lease.FormatAge(e.Age)+" ago"))
		}
		return nil
	})
}
