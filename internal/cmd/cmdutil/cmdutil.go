// Package cmdutil wires configuration, logging and the leasing components
// together for the leasekeeper subcommands.
package cmdutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/leasekeeper/internal/branchlock"
	"github.com/Iron-Ham/leasekeeper/internal/claim"
	"github.com/Iron-Ham/leasekeeper/internal/config"
	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/gitstate"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/lease/natsstore"
	"github.com/Iron-Ham/leasekeeper/internal/lease/sqlstore"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
	"github.com/Iron-Ham/leasekeeper/internal/reclaim"
	"github.com/Iron-Ham/leasekeeper/internal/session"
)

// Env is the loaded configuration plus the logger for one command run.
type Env struct {
	Config *config.Config
	Logger *logging.Logger
}

// Load reads configuration from viper and opens the log file.
func Load() (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		rotation := logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		}
		l, err := logging.NewLogger(cfg.ResolvedStateDir(), cfg.Logging.Level, rotation)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
		} else {
			logger = l.With("pid", os.Getpid())
		}
	}
	return &Env{Config: cfg, Logger: logger}, nil
}

// Close releases the log file.
func (e *Env) Close() {
	if e != nil && e.Logger != nil {
		_ = e.Logger.Close()
	}
}

// Context bounds a command's store traffic by store.timeout.
func (e *Env) Context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Config.Store.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.Config.Store.Timeout)
}

// StoreTimeout reports a store call cut off by store.timeout as a
// TimeoutError. Other errors pass through.
func (e *Env) StoreTimeout(err error) error {
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.NewTimeoutError(e.Config.Store.Backend+" store", e.Config.Store.Timeout).WithCause(err)
}

// OpenStore opens the configured work-item registry.
func (e *Env) OpenStore() (lease.Store, error) {
	c := e.Config.Store
	var (
		store lease.Store
		err   error
	)
	switch c.Backend {
	case config.BackendSQLite:
		store, err = sqlstore.OpenSQLite(e.Config.SQLitePath())
	case config.BackendSQLServer:
		store, err = sqlstore.OpenSQLServer(c.SQLServer.DSN)
	case config.BackendNATS:
		store, err = natsstore.Open(c.NATS.URL, c.NATS.Bucket, c.Timeout)
	default:
		err = fmt.Errorf("unknown store backend %q", c.Backend)
	}
	if err != nil {
		e.Logger.Error("failed to open lease store", "backend", c.Backend, "error", err.Error())
		return nil, errors.NewStoreError(c.Backend, "open", err)
	}
	return store, nil
}

// Guard creates a Claim Guard over store.
func (e *Env) Guard(store lease.Store) *claim.Guard {
	host, _ := os.Hostname()
	return claim.NewGuard(store,
		claim.WithStaleAfter(e.Config.Lease.StaleAfter),
		claim.WithLogger(e.Logger),
		claim.WithBackendName(e.Config.Store.Backend),
		claim.WithOwnerMetadata(fmt.Sprintf("pid=%d host=%s", os.Getppid(), host)),
	)
}

// Registry returns the session registry.
func (e *Env) Registry() *session.Registry {
	return session.NewRegistry(e.Config.SessionDir(), session.WithLogger(e.Logger))
}

// Breadcrumbs returns the recovery breadcrumb file.
func (e *Env) Breadcrumbs() *reclaim.BreadcrumbFile {
	return reclaim.NewBreadcrumbFile(e.Config.BreadcrumbPath(), reclaim.WithBreadcrumbLogger(e.Logger))
}

// SessionID returns flagValue when set, otherwise the resolver's answer.
func (e *Env) SessionID(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return e.Registry().ResolveCurrentSessionID()
}

// BranchManager creates a lock manager for the repository containing dir.
// Outside a repository, locks live under dir itself.
func (e *Env) BranchManager(dir string) (*branchlock.Manager, *gitstate.Reader) {
	reader := gitstate.NewReader(dir)
	root, err := reader.RepoRoot()
	if err != nil {
		root = dir
	} else {
		reader = gitstate.NewReader(root)
	}
	mgr := branchlock.NewManager(e.Config.ResolveLockDir(root),
		branchlock.WithStaleAfter(e.Config.Branch.StaleAfter),
		branchlock.WithLogger(e.Logger),
		branchlock.WithGitReader(reader),
		branchlock.WithPID(os.Getppid()),
	)
	return mgr, reader
}

// ExitError ends the process with Code. Message-less exit errors are silent
// because the command already printed what happened.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Silent reports whether main should print nothing more.
func (e *ExitError) Silent() bool {
	return e.Err == nil
}

// Exit returns an ExitError with code and no message.
func Exit(code int) error {
	return &ExitError{Code: code}
}

// ExitCode maps an error from Execute to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// FormatError renders an error from Execute for stderr. Silent exit errors
// render as "". Warnings get a "Warning:" prefix, retryable failures a hint
// to run again, and messages not meant for users a pointer to the log.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Silent() {
		return ""
	}

	prefix := "Error"
	if errors.GetSeverity(err) <= errors.SeverityWarning {
		prefix = "Warning"
	}
	msg := fmt.Sprintf("%s: %v", prefix, err)

	var keeperErr errors.KeeperError
	if errors.As(err, &keeperErr) && !errors.IsUserFacing(err) {
		msg += "\nSee the leasekeeper log for details."
	}
	if errors.IsRetryable(err) {
		msg += "\nThis failure may be temporary; run the command again."
	}
	return msg
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WorkingDir returns the current directory made absolute.
func WorkingDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return filepath.Abs(wd)
}
