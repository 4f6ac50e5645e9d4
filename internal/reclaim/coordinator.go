// Package reclaim restores work-item ownership after a session's context was
// reset while its process kept running.
//
// Before teardown a session writes a [Breadcrumb] naming the work-item it
// held. On the next start the [Coordinator] compares the breadcrumb with the
// registry and either reclaims the lease through the Claim Guard, waits, or
// gives up. It never writes to the store itself and never takes a live lease
// from another session.
package reclaim

import (
	"context"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/claim"
	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

// OutcomeKind is the terminal state of one recovery run.
type OutcomeKind string

const (
	NothingToRecover   OutcomeKind = "noop_nothing_to_recover"
	AlreadyHolding     OutcomeKind = "noop_already_holding"
	Reclaimed          OutcomeKind = "reclaimed"
	AbortedWait        OutcomeKind = "aborted_wait"
	AbortedForeignHold OutcomeKind = "aborted_foreign_holder"
)

// Outcome describes what a recovery run decided.
type Outcome struct {
	Kind        OutcomeKind `json:"outcome"`
	SessionID   string      `json:"session_id"`
	ResourceKey string      `json:"resource_key,omitempty"`
	// PreviousSessionID is the breadcrumb's session.
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	// Holder is the session blocking recovery, or the one whose stale lease
	// was cleared.
	Holder       string        `json:"holder,omitempty"`
	HeartbeatAge time.Duration `json:"heartbeat_age_ns,omitempty"`
	// Claim is the guard's result when a claim was attempted.
	Claim *claim.Result `json:"claim,omitempty"`
	// BreadcrumbConsumed is true when the breadcrumb was deleted.
	BreadcrumbConsumed bool `json:"breadcrumb_consumed"`
}

// Coordinator runs compaction recovery.
type Coordinator struct {
	guard  *claim.Guard
	crumbs *BreadcrumbFile
	logger *logging.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(guard *claim.Guard, crumbs *BreadcrumbFile, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{guard: guard, crumbs: crumbs, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("reclaim")
	return c
}

// Run evaluates recovery once for currentSessionID.
//
// Store failures are returned as errors and leave the breadcrumb in place so
// a later run can retry. Running again after a successful reclaim reports
// AlreadyHolding.
func (c *Coordinator) Run(ctx context.Context, currentSessionID string) (*Outcome, error) {
	if currentSessionID == "" {
		return nil, errors.NewSessionError("cannot recover without a session id", errors.ErrIdentityUnresolved)
	}
	log := c.logger.WithSession(currentSessionID)
	out := &Outcome{SessionID: currentSessionID}

	held, err := c.guard.HeldBy(ctx, currentSessionID)
	if err != nil {
		return nil, err
	}
	crumb, err := c.crumbs.Read()
	if err != nil {
		return nil, err
	}
	if crumb != nil {
		out.ResourceKey = crumb.ResourceKey
		out.PreviousSessionID = crumb.PreviousSessionID
	}

	if held != nil {
		out.Kind = AlreadyHolding
		out.ResourceKey = held.ResourceKey
		// A breadcrumb for the lease already held has nothing left to do.
		if crumb != nil && crumb.ResourceKey == held.ResourceKey {
			if err := c.consume(out); err != nil {
				return nil, err
			}
		}
		return c.finish(log, out), nil
	}
	if crumb == nil {
		out.Kind = NothingToRecover
		return c.finish(log, out), nil
	}

	entry, err := c.guard.Inspect(ctx, crumb.ResourceKey)
	if err != nil {
		return nil, err
	}

	if entry != nil && entry.Lease.Held() && entry.Lease.HolderSessionID != currentSessionID {
		holder := entry.Lease.HolderSessionID
		out.Holder = holder
		out.HeartbeatAge = entry.Age

		if !entry.Stale {
			if holder == crumb.PreviousSessionID {
				// The previous session may still be winding down; retry later.
				out.Kind = AbortedWait
				return c.finish(log, out), nil
			}
			out.Kind = AbortedForeignHold
			if err := c.consume(out); err != nil {
				return nil, err
			}
			return c.finish(log, out), nil
		}

		_, err := c.guard.Release(ctx, crumb.ResourceKey, currentSessionID, lease.ReasonStaleReclaim)
		if errors.IsConflict(err) {
			// The holder came back between the read and the release.
			return c.aborted(log, out, holder, crumb)
		}
		if err != nil {
			return nil, err
		}
	}

	res, err := c.guard.Claim(ctx, crumb.ResourceKey, currentSessionID)
	if err != nil {
		return nil, err
	}
	out.Claim = res
	if !res.Success {
		switch {
		case res.HeldResource != "":
			out.Kind = AlreadyHolding
			out.ResourceKey = res.HeldResource
			return c.finish(log, out), nil
		case res.Owner != nil:
			out.HeartbeatAge = res.Owner.HeartbeatAge
			return c.aborted(log, out, res.Owner.SessionID, crumb)
		default:
			out.Kind = AbortedWait
			return c.finish(log, out), nil
		}
	}

	out.Kind = Reclaimed
	if err := c.consume(out); err != nil {
		return nil, err
	}
	return c.finish(log, out), nil
}

func (c *Coordinator) aborted(log *logging.Logger, out *Outcome, holder string, crumb *Breadcrumb) (*Outcome, error) {
	out.Holder = holder
	if holder == crumb.PreviousSessionID {
		out.Kind = AbortedWait
		return c.finish(log, out), nil
	}
	out.Kind = AbortedForeignHold
	if err := c.consume(out); err != nil {
		return nil, err
	}
	return c.finish(log, out), nil
}

func (c *Coordinator) consume(out *Outcome) error {
	if err := c.crumbs.Discard(); err != nil {
		return err
	}
	out.BreadcrumbConsumed = true
	return nil
}

func (c *Coordinator) finish(log *logging.Logger, out *Outcome) *Outcome {
	args := []any{"outcome", string(out.Kind), "breadcrumb_consumed", out.BreadcrumbConsumed}
	if out.ResourceKey != "" {
		args = append(args, "resource", out.ResourceKey)
	}
	if out.Holder != "" {
		args = append(args, "holder", out.Holder)
	}
	log.Info("recovery finished", args...)
	return out
}
