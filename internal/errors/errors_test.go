package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// LeaseError Tests
// -----------------------------------------------------------------------------

func TestLeaseError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *LeaseError
		want string
	}{
		{
			name: "no context",
			err:  NewLeaseError("claim rejected", nil),
			want: "lease error: claim rejected",
		},
		{
			name: "full context",
			err: NewLeaseError("claim rejected", ErrLeaseConflict).
				WithResource("WI-42").
				WithSession("s2").
				WithOwner("s1").
				WithAge(time.Minute),
			want: "lease error [resource=WI-42, session=s2, owner=s1, age=1m0s]: claim rejected: lease held by another session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLeaseError_Is(t *testing.T) {
	err := NewLeaseError("release refused", ErrNotHolder).WithResource("WI-1")

	if !errors.Is(err, ErrNotHolder) {
		t.Error("errors.Is(err, ErrNotHolder) = false")
	}
	if !errors.Is(err, &LeaseError{}) {
		t.Error("errors.Is(err, &LeaseError{}) = false")
	}
	if errors.Is(err, ErrLeaseConflict) {
		t.Error("errors.Is(err, ErrLeaseConflict) = true")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var leaseErr *LeaseError
	if !errors.As(wrapped, &leaseErr) || leaseErr.Resource != "WI-1" {
		t.Errorf("errors.As() did not recover LeaseError: %v", leaseErr)
	}
}

// -----------------------------------------------------------------------------
// BranchLockError Tests
// -----------------------------------------------------------------------------

func TestBranchLockError_Error(t *testing.T) {
	err := NewBranchLockError("branch is held", ErrBranchLocked).
		WithBranch("feature/x").
		WithOwner("claude-a", 4242).
		WithAge(90 * time.Second).
		WithLockPath("/repo/.leasekeeper/locks/feature-x.lock")

	want := "branch lock error [branch=feature/x, owner=claude-a, pid=4242, age=1m30s, lock=/repo/.leasekeeper/locks/feature-x.lock]: branch is held: branch is locked"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrBranchLocked) {
		t.Error("errors.Is(err, ErrBranchLocked) = false")
	}
	if !IsConflict(err) {
		t.Error("IsConflict() = false for a branch lock conflict")
	}
}

// -----------------------------------------------------------------------------
// StoreError Tests
// -----------------------------------------------------------------------------

func TestStoreError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewStoreError("nats", "get", cause)

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("StoreError must match ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("StoreError must unwrap to its cause")
	}
	if !IsRetryable(err) {
		t.Error("StoreError should be retryable")
	}
	want := "store error [backend=nats, op=get]: lease store unavailable: dial tcp: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// SessionError Tests
// -----------------------------------------------------------------------------

func TestSessionError(t *testing.T) {
	err := NewSessionError("no descriptor for parent process", ErrIdentityUnresolved).WithPID(77)

	want := "session error [pid=77]: no descriptor for parent process: session identity could not be resolved"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrIdentityUnresolved) {
		t.Error("errors.Is(err, ErrIdentityUnresolved) = false")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Error("errors.Is(err, ErrSessionNotFound) = true")
	}

	withID := NewSessionError("gone", ErrSessionNotFound).WithSessionID("abc")
	if got := withID.Error(); got != "session error [session=abc]: gone: session not found" {
		t.Errorf("Error() = %q", got)
	}
}

// -----------------------------------------------------------------------------
// GitError Tests
// -----------------------------------------------------------------------------

func TestGitError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GitError
		want string
	}{
		{
			name: "with output",
			err: NewGitError("rev-parse failed", ErrNotGitRepository).
				WithRepository("/tmp/x").
				WithGitOutput("fatal: not a git repository"),
			want: "git error [repo=/tmp/x]: rev-parse failed: not a git repository\ngit output: fatal: not a git repository",
		},
		{
			name: "branch only",
			err:  NewGitError("no upstream", nil).WithBranch("main"),
			want: "git error [branch=main]: no upstream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGitError_UserFacing(t *testing.T) {
	if !NewGitError("no upstream", nil).IsUserFacing() {
		t.Error("GitError without git output should be user-facing")
	}
	if NewGitError("rev-parse failed", nil).WithGitOutput("fatal: bad object").IsUserFacing() {
		t.Error("GitError carrying raw git output should not be user-facing")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("lease", "WI-42")
	if got := err.Error(); got != "lease 'WI-42' not found" {
		t.Errorf("Error() = %q", got)
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want warning", err.Severity())
	}

	withCause := NewNotFoundError("session", "abc").WithCause(ErrSessionNotFound)
	if !errors.Is(withCause, ErrSessionNotFound) {
		t.Error("NotFoundError should unwrap to its cause")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("lease.stale_after").WithValue("-1s")

	want := "validation error [field=lease.stale_after, value=-1s]: must be positive"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError must match ErrInvalidInput")
	}
	if IsRetryable(err) {
		t.Error("ValidationError should not be retryable")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("waiting for store", 5*time.Second)
	if got := err.Error(); got != "timeout error: waiting for store (timeout: 5s)" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError must match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
	}
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestClassificationHelpers(t *testing.T) {
	plain := errors.New("plain")

	if IsRetryable(nil) || IsUserFacing(nil) {
		t.Error("nil error must not be retryable or user facing")
	}
	if GetSeverity(nil) != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", GetSeverity(nil))
	}
	if IsRetryable(plain) {
		t.Error("plain error reported retryable")
	}
	if IsUserFacing(plain) {
		t.Error("plain error reported user facing")
	}
	if GetSeverity(plain) != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", GetSeverity(plain))
	}

	critical := Wrap(NewLeaseError("x", nil).WithSeverity(SeverityCritical), "outer")
	if GetSeverity(critical) != SeverityCritical {
		t.Errorf("GetSeverity() through Wrap = %v, want critical", GetSeverity(critical))
	}
	if !IsUserFacing(critical) {
		t.Error("wrapped LeaseError should be user facing")
	}

	if !IsConflict(NewLeaseError("x", ErrSessionBusy)) {
		t.Error("IsConflict() = false for ErrSessionBusy")
	}
	if IsConflict(NewStoreError("sqlite", "get", plain)) {
		t.Error("IsConflict() = true for a store error")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "msg %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}

	err := Wrapf(ErrNotHolder, "release %s", "WI-1")
	if err.Error() != "release WI-1: session does not hold the lease" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrNotHolder) {
		t.Error("Wrapf() lost the wrapped error")
	}
}
