// Package branch implements the "leasekeeper branch" commands.
//
// Exit status is meant for shell gating: 0 means the operation succeeded or
// the branch is available, 1 means an active lock or a failure.
package branch

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/leasekeeper/internal/branchlock"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/cmdutil"
	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/gitstate"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/styles"
	"github.com/Iron-Ham/leasekeeper/internal/util"
)

type options struct {
	branch string
	json   bool
}

// Register adds the branch command tree to parent.
func Register(parent *cobra.Command) {
	parent.AddCommand(NewCommand())
}

// NewCommand builds the branch command tree.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Lock a git branch to one session",
		Long: `Branch locks give one session exclusive use of a git branch on this machine.

Locks are files under branch.lock_dir in the repository. A lock older than
branch.stale_after (default 30m) may be taken over by the next acquirer.`,
	}
	cmd.PersistentFlags().StringVarP(&opts.branch, "branch", "b", "", "branch name (default: current git branch)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "acquire [label]",
			Short: "Take the lock on a branch",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAcquire(cmd, opts, labelArg(args), false)
			},
		},
		&cobra.Command{
			Use:   "force-acquire [label]",
			Short: "Take the lock on a branch, removing any existing lock",
			Long: `Remove any existing lock and acquire it. This overrides another session's
claim and is logged as an override. Use it only after checking that the
current owner is gone.`,
			Args: cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAcquire(cmd, opts, labelArg(args), true)
			},
		},
		&cobra.Command{
			Use:   "release",
			Short: "Remove the lock on a branch",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRelease(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Report whether a branch is locked (exit 1 when actively locked)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCheck(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show lock state with repository signals",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStatus(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List every branch lock in the repository",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runList(cmd, opts)
			},
		},
	)
	return cmd
}

func labelArg(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	return fmt.Sprintf("pid-%d", os.Getppid())
}

// setup loads config and resolves the target branch.
func setup(opts *options) (*cmdutil.Env, *branchlock.Manager, string, error) {
	env, err := cmdutil.Load()
	if err != nil {
		return nil, nil, "", err
	}
	wd, err := cmdutil.WorkingDir()
	if err != nil {
		env.Close()
		return nil, nil, "", err
	}
	mgr, reader := env.BranchManager(wd)

	branch, err := resolveBranch(opts.branch, reader)
	if err != nil {
		env.Close()
		return nil, nil, "", err
	}
	return env, mgr, branch, nil
}

func resolveBranch(flag string, reader *gitstate.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	branch, err := reader.CurrentBranch()
	if err != nil {
		return "", errors.Wrap(err, "cannot infer branch, pass --branch")
	}
	return branch, nil
}

func runAcquire(cmd *cobra.Command, opts *options, label string, force bool) error {
	env, mgr, branch, err := setup(opts)
	if err != nil {
		return err
	}
	defer env.Close()

	out := cmd.OutOrStdout()
	p := styles.NewPrinter(out)

	var res *branchlock.Result
	if force {
		res, err = mgr.ForceAcquire(branch, label)
	} else {
		res, err = mgr.Acquire(branch, label)
	}
	if err != nil {
		var lockErr *errors.BranchLockError
		if errors.Is(err, errors.ErrBranchLocked) && errors.As(err, &lockErr) {
			if opts.json {
				_ = cmdutil.PrintJSON(out, map[string]any{
					"success":     false,
					"branch":      branch,
					"owner":       lockErr.OwnerLabel,
					"pid":         lockErr.PID,
					"age":         lease.FormatAge(lockErr.Age),
					"stale_after": mgr.StaleAfter().String(),
				})
				return cmdutil.Exit(1)
			}
			printLocked(out, p, branch, lockErr, mgr)
			return cmdutil.Exit(1)
		}
		return err
	}

	if opts.json {
		return cmdutil.PrintJSON(out, map[string]any{"success": true, "result": res})
	}
	if force && res.Replaced != nil {
		fmt.Fprintln(out, p.Warning(fmt.Sprintf("Override: removed lock held by %s (%s old)",
			ownerName(res.Replaced.Owner), res.Replaced.AgeHuman)))
	} else if res.Replaced != nil {
		fmt.Fprintln(out, p.Muted(fmt.Sprintf("Replaced stale lock held by %s (%s old)",
			ownerName(res.Replaced.Owner), res.Replaced.AgeHuman)))
	}
	fmt.Fprintln(out, p.Success(fmt.Sprintf("Acquired lock on %s", branch)))
	fmt.Fprintln(out, p.Field("Owner", res.Info.OwnerLabel))
	fmt.Fprintln(out, p.Field("Lock file", res.LockPath))
	return nil
}

func printLocked(out io.Writer, p *styles.Printer, branch string, lockErr *errors.BranchLockError, mgr *branchlock.Manager) {
	fmt.Fprintln(out, p.Error(fmt.Sprintf("Branch %s is locked", branch)))
	fmt.Fprintln(out, p.Field("Locked by", ownerName(lockErr.OwnerLabel)))
	if lockErr.PID > 0 {
		fmt.Fprintln(out, p.Field("PID", fmt.Sprintf("%d", lockErr.PID)))
	}
	fmt.Fprintln(out, p.Field("Age", lease.FormatAge(lockErr.Age)))
	fmt.Fprintln(out, p.Muted(fmt.Sprintf("The lock goes stale after %s. Use force-acquire only if the owner is gone.",
		lease.FormatAge(mgr.StaleAfter()))))
}

func runRelease(cmd *cobra.Command, opts *options) error {
	env, mgr, branch, err := setup(opts)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := mgr.Release(branch); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.json {
		return cmdutil.PrintJSON(out, map[string]any{"success": true, "branch": branch})
	}
	fmt.Fprintln(out, styles.NewPrinter(out).Success(fmt.Sprintf("Released lock on %s", branch)))
	return nil
}

func runCheck(cmd *cobra.Command, opts *options) error {
	env, mgr, branch, err := setup(opts)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := mgr.Check(branch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.json {
		if err := cmdutil.PrintJSON(out, res); err != nil {
			return err
		}
	} else {
		printCheck(out, styles.NewPrinter(out), res)
	}
	if res.Active() {
		return cmdutil.Exit(1)
	}
	return nil
}

func printCheck(out io.Writer, p *styles.Printer, res *branchlock.CheckResult) {
	switch {
	case !res.Locked:
		fmt.Fprintln(out, p.Success(fmt.Sprintf("Branch %s is available", res.Branch)))
		return
	case res.Stale:
		fmt.Fprintln(out, p.Warning(fmt.Sprintf("Branch %s has a stale lock", res.Branch)))
	default:
		fmt.Fprintln(out, p.Error(fmt.Sprintf("Branch %s is locked", res.Branch)))
	}
	fmt.Fprintln(out, p.Field("Locked by", ownerName(res.Owner)))
	fmt.Fprintln(out, p.Field("Age", res.AgeHuman))
	if res.Corrupt {
		fmt.Fprintln(out, p.Muted("Lock file could not be parsed"))
	}
}

func runStatus(cmd *cobra.Command, opts *options) error {
	env, mgr, branch, err := setup(opts)
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := mgr.Status(branch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.json {
		return cmdutil.PrintJSON(out, report)
	}

	p := styles.NewPrinter(out)
	fmt.Fprintln(out, p.Title("Branch "+branch))
	printCheck(out, p, report.Lock)
	fmt.Fprintln(out)
	switch {
	case report.Repo != nil:
		checkedOut := report.Repo.Branch
		if report.Repo.Detached {
			checkedOut = p.Warning("(detached HEAD)")
		}
		fmt.Fprintln(out, p.Field("Checked out", checkedOut))
		fmt.Fprintln(out, p.Field("Uncommitted", fmt.Sprintf("%d files", report.Repo.Uncommitted)))
		if report.Repo.HasUpstream {
			fmt.Fprintln(out, p.Field("Upstream", fmt.Sprintf("%d ahead, %d behind", report.Repo.Ahead, report.Repo.Behind)))
		} else {
			fmt.Fprintln(out, p.Field("Upstream", "none"))
		}
	case report.RepoError != "":
		fmt.Fprintln(out, p.Muted("Repository: "+report.RepoError))
	}
	return nil
}

func runList(cmd *cobra.Command, opts *options) error {
	env, err := cmdutil.Load()
	if err != nil {
		return err
	}
	defer env.Close()
	wd, err := cmdutil.WorkingDir()
	if err != nil {
		return err
	}
	mgr, _ := env.BranchManager(wd)

	locks, err := mgr.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.json {
		return cmdutil.PrintJSON(out, locks)
	}
	p := styles.NewPrinter(out)
	if len(locks) == 0 {
		fmt.Fprintln(out, p.Muted("No branch locks"))
		return nil
	}
	for _, l := range locks {
		state := p.Error("locked")
		if l.Stale {
			state = p.Warning("stale ")
		}
		fmt.Fprintf(out, "%s  %s  %s  %s\n",
			util.PadRight(util.Truncate(l.Branch, 32), 32),
			state,
			util.PadRight(util.Truncate(ownerName(l.Owner), 20), 20),
			p.Muted(l.AgeHuman))
	}
	return nil
}

func ownerName(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
