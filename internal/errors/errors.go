// Package errors provides centralized error definitions and error handling
// utilities for leasekeeper. It defines domain-specific errors, semantic error
// types, error constructors with context wrapping, and error classification
// helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - LeaseError: errors from the work-item registry and the claim guard
//   - BranchLockError: errors from branch lock files
//   - StoreError: errors reaching or talking to a lease store backend
//   - SessionError: errors resolving or registering session identity
//   - GitError: errors from git queries
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewLeaseError("lease held by another session", errors.ErrLeaseConflict).
//		WithResource("WI-42").WithOwner("s1")
//
//	if errors.Is(err, errors.ErrLeaseConflict) { ... }
//
//	var lockErr *errors.BranchLockError
//	if errors.As(err, &lockErr) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lease-related sentinel errors
var (
	// ErrLeaseConflict indicates that another session holds a fresh lease.
	ErrLeaseConflict = New("lease held by another session")
	// ErrNotHolder indicates that the caller tried to act on a lease it does
	// not hold.
	ErrNotHolder = New("session does not hold the lease")
	// ErrSessionBusy indicates that the session already holds a lease on a
	// different resource.
	ErrSessionBusy = New("session already holds another lease")
	// ErrStoreUnavailable indicates that the lease store could not be
	// reached. It must never be read as "unclaimed".
	ErrStoreUnavailable = New("lease store unavailable")
)

// Branch-lock sentinel errors
var (
	// ErrBranchLocked indicates that a fresh lock file names another owner.
	ErrBranchLocked = New("branch is locked")
	// ErrLockCorrupted indicates that a lock file could not be parsed.
	ErrLockCorrupted = New("lock file corrupted")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrIdentityUnresolved indicates that no session descriptor matched the
	// current process.
	ErrIdentityUnresolved = New("session identity could not be resolved")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrDetachedHead indicates that HEAD does not point at a branch.
	ErrDetachedHead = New("HEAD is detached")
)

// General sentinel errors
var (
	ErrTimeout      = New("operation timed out")
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// KeeperError is the base interface for all leasekeeper errors.
type KeeperError interface {
	error

	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LeaseError represents errors related to work-item leases.
//
// Example:
//
//	err := errors.NewLeaseError("claim rejected", errors.ErrLeaseConflict)
//	err = err.WithResource("WI-42").WithOwner("s1").WithAge(time.Minute)
//	fmt.Println(err) // "lease error [resource=WI-42, owner=s1, age=1m0s]: claim rejected: lease held by another session"
type LeaseError struct {
	baseError
	Resource     string
	SessionID    string
	Owner        string
	HeartbeatAge time.Duration
}

// NewLeaseError creates a new LeaseError.
func NewLeaseError(message string, cause error) *LeaseError {
	return &LeaseError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithResource adds the resource key to the error context.
func (e *LeaseError) WithResource(key string) *LeaseError {
	e.Resource = key
	return e
}

// WithSession adds the calling session to the error context.
func (e *LeaseError) WithSession(id string) *LeaseError {
	e.SessionID = id
	return e
}

// WithOwner adds the holder of the lease to the error context.
func (e *LeaseError) WithOwner(id string) *LeaseError {
	e.Owner = id
	return e
}

// WithAge adds the holder's heartbeat age to the error context.
func (e *LeaseError) WithAge(d time.Duration) *LeaseError {
	e.HeartbeatAge = d
	return e
}

// WithSeverity sets the error severity.
func (e *LeaseError) WithSeverity(s Severity) *LeaseError {
	e.severity = s
	return e
}

func (e *LeaseError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Owner != "" {
		parts = append(parts, fmt.Sprintf("owner=%s", e.Owner))
	}
	if e.HeartbeatAge > 0 {
		parts = append(parts, fmt.Sprintf("age=%s", e.HeartbeatAge))
	}
	return e.format("lease error", parts)
}

func (e *LeaseError) Is(target error) bool {
	if _, ok := target.(*LeaseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// BranchLockError represents errors related to branch lock files.
//
// Example:
//
//	err := errors.NewBranchLockError("branch is held", errors.ErrBranchLocked)
//	err = err.WithBranch("feature/x").WithOwner("claude-a", 4242)
type BranchLockError struct {
	baseError
	Branch     string
	LockPath   string
	OwnerLabel string
	PID        int
	Age        time.Duration
}

// NewBranchLockError creates a new BranchLockError.
func NewBranchLockError(message string, cause error) *BranchLockError {
	return &BranchLockError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds the branch name to the error context.
func (e *BranchLockError) WithBranch(branch string) *BranchLockError {
	e.Branch = branch
	return e
}

// WithLockPath adds the lock file path to the error context.
func (e *BranchLockError) WithLockPath(path string) *BranchLockError {
	e.LockPath = path
	return e
}

// WithOwner adds the recorded owner label and pid.
func (e *BranchLockError) WithOwner(label string, pid int) *BranchLockError {
	e.OwnerLabel = label
	e.PID = pid
	return e
}

// WithAge adds the lock age.
func (e *BranchLockError) WithAge(d time.Duration) *BranchLockError {
	e.Age = d
	return e
}

func (e *BranchLockError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.OwnerLabel != "" {
		parts = append(parts, fmt.Sprintf("owner=%s", e.OwnerLabel))
	}
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.Age > 0 {
		parts = append(parts, fmt.Sprintf("age=%s", e.Age.Round(time.Second)))
	}
	if e.LockPath != "" {
		parts = append(parts, fmt.Sprintf("lock=%s", e.LockPath))
	}
	return e.format("branch lock error", parts)
}

func (e *BranchLockError) Is(target error) bool {
	if _, ok := target.(*BranchLockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents a failure reaching a lease store backend. Store
// errors are retryable and always match ErrStoreUnavailable.
type StoreError struct {
	baseError
	Backend   string
	Operation string
}

// NewStoreError creates a new StoreError.
func NewStoreError(backend, operation string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:    "lease store unavailable",
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Backend:   backend,
		Operation: operation,
	}
}

func (e *StoreError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	return e.format("store error", parts)
}

func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	if target == ErrStoreUnavailable {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError represents errors related to session identity.
//
// Example:
//
//	err := errors.NewSessionError("no descriptor for parent process", errors.ErrIdentityUnresolved)
//	err = err.WithPID(4242)
type SessionError struct {
	baseError
	SessionID string
	PID       int
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithPID adds the process id that was looked up.
func (e *SessionError) WithPID(pid int) *SessionError {
	e.PID = pid
	return e
}

func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	return e.format("session error", parts)
}

func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
type GitError struct {
	baseError
	Branch     string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context. Raw git
// output is not meant for end users, so the error stops being user-facing.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	e.userFacing = output == ""
	return e
}

func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("lease", "WI-42")
//	fmt.Println(err) // "lease 'WI-42' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var keeperErr KeeperError
	if As(err, &keeperErr) {
		return keeperErr.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var keeperErr KeeperError
	if As(err, &keeperErr) {
		return keeperErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement KeeperError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var keeperErr KeeperError
	if As(err, &keeperErr) {
		return keeperErr.Severity()
	}
	return SeverityError
}

// IsConflict returns true if err reports that another holder owns a lease
// or branch lock.
func IsConflict(err error) bool {
	return Is(err, ErrLeaseConflict) || Is(err, ErrBranchLocked) || Is(err, ErrSessionBusy)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
