package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/leasekeeper/internal/errors"
	"github.com/Iron-Ham/leasekeeper/internal/lease"
	"github.com/Iron-Ham/leasekeeper/internal/logging"
)

// Guard mediates every work-item lease mutation.
type Guard struct {
	store         lease.Store
	staleAfter    time.Duration
	now           func() time.Time
	logger        *logging.Logger
	ownerMetadata string
	backend       string
}

// NewGuard creates a Guard over store.
func NewGuard(store lease.Store, opts ...Option) *Guard {
	g := &Guard{
		store:      store,
		staleAfter: lease.DefaultStaleAfter,
		now:        time.Now,
		logger:     logging.NopLogger(),
		backend:    "store",
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("claim")
	return g
}

// StaleAfter returns the staleness threshold in use.
func (g *Guard) StaleAfter() time.Duration {
	return g.staleAfter
}

// Now returns the guard's current time.
func (g *Guard) Now() time.Time {
	return g.now()
}

// Claim takes or refreshes the lease on resourceKey for sessionID.
//
// The session's own lease is refreshed in place, keeping acquired_at. A stale
// lease held by someone else is replaced. A live lease held by someone else,
// or a live lease the session holds on a different resource, produces a
// failed Result and a nil error.
func (g *Guard) Claim(ctx context.Context, resourceKey, sessionID string) (*Result, error) {
	if err := validate(resourceKey, sessionID); err != nil {
		return nil, err
	}
	log := g.logger.WithResource(resourceKey).WithSession(sessionID)

	held, err := g.HeldBy(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if held != nil && held.ResourceKey != resourceKey {
		log.Info("lease claim rejected", "held_resource", held.ResourceKey)
		return &Result{
			Error:        fmt.Sprintf("session %s already holds %s", sessionID, held.ResourceKey),
			HeldResource: held.ResourceKey,
			ResourceKey:  resourceKey,
			SessionID:    sessionID,
			Err: errors.NewLeaseError("session already holds another lease", errors.ErrSessionBusy).
				WithResource(held.ResourceKey).
				WithSession(sessionID),
		}, nil
	}

	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return g.create(ctx, resourceKey, sessionID)
	}
	if err != nil {
		return nil, g.storeErr("get", err)
	}

	now := g.now()
	switch {
	case !cur.Held():
		// An empty holder is treated like a missing lease but still written
		// conditionally against the record we read.
		return g.replace(ctx, cur, sessionID, StatusCreated)

	case cur.HolderSessionID == sessionID:
		next := cur.Clone()
		next.LastHeartbeatAt = now
		if next.OwnerMetadata == "" {
			next.OwnerMetadata = g.ownerMetadata
		}
		rev, err := g.store.Update(ctx, next, cur.Revision)
		if lease.IsWriteConflict(err) {
			return g.lostRace(ctx, resourceKey, sessionID)
		}
		if err != nil {
			return nil, g.storeErr("update", err)
		}
		next.Revision = rev
		log.Debug("lease refreshed")
		return success(next, StatusRefreshed), nil

	case cur.IsStale(g.staleAfter, now):
		return g.replace(ctx, cur, sessionID, StatusReclaimedStale)

	default:
		res := g.conflict(cur, sessionID, now)
		log.Info("lease claim rejected",
			"owner", cur.HolderSessionID,
			"heartbeat_age", res.Owner.HeartbeatAge.String())
		return res, nil
	}
}

func (g *Guard) create(ctx context.Context, resourceKey, sessionID string) (*Result, error) {
	l := g.newLease(resourceKey, sessionID)
	rev, err := g.store.Create(ctx, l)
	if lease.IsWriteConflict(err) {
		return g.lostRace(ctx, resourceKey, sessionID)
	}
	if err != nil {
		return nil, g.storeErr("create", err)
	}
	l.Revision = rev
	g.logger.WithResource(resourceKey).WithSession(sessionID).Info("lease created")
	return success(l, StatusCreated), nil
}

// replace swaps the holder of cur in a single conditional write, so the
// previous holder's lease and the new one are never both visible.
func (g *Guard) replace(ctx context.Context, cur *lease.Lease, sessionID string, status Status) (*Result, error) {
	next := g.newLease(cur.ResourceKey, sessionID)
	rev, err := g.store.Update(ctx, next, cur.Revision)
	if lease.IsWriteConflict(err) {
		return g.lostRace(ctx, cur.ResourceKey, sessionID)
	}
	if err != nil {
		return nil, g.storeErr("update", err)
	}
	next.Revision = rev

	log := g.logger.WithResource(cur.ResourceKey).WithSession(sessionID)
	if status == StatusReclaimedStale {
		log.Info("stale lease reclaimed",
			"reason", lease.ReasonStaleReclaim.String(),
			"previous_holder", cur.HolderSessionID,
			"heartbeat_age", cur.HeartbeatAge(next.AcquiredAt).String())
	} else {
		log.Info("lease created")
	}
	return success(next, status), nil
}

// lostRace re-reads after a conditional write failed and reports whoever won.
func (g *Guard) lostRace(ctx context.Context, resourceKey, sessionID string) (*Result, error) {
	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return &Result{
			Error:       "lease changed concurrently",
			ResourceKey: resourceKey,
			SessionID:   sessionID,
			Err: errors.NewLeaseError("lease changed concurrently", errors.ErrLeaseConflict).
				WithResource(resourceKey).
				WithSession(sessionID),
		}, nil
	}
	if err != nil {
		return nil, g.storeErr("get", err)
	}
	res := g.conflict(cur, sessionID, g.now())
	g.logger.WithResource(resourceKey).WithSession(sessionID).Info("lease claim lost race",
		"owner", cur.HolderSessionID)
	return res, nil
}

func (g *Guard) conflict(cur *lease.Lease, sessionID string, now time.Time) *Result {
	age := cur.HeartbeatAge(now)
	return &Result{
		Error: fmt.Sprintf("%s is claimed by session %s", cur.ResourceKey, cur.HolderSessionID),
		Owner: &Owner{
			SessionID:         cur.HolderSessionID,
			HeartbeatAgeHuman: lease.FormatAge(age),
			HeartbeatAge:      age,
		},
		ResourceKey: cur.ResourceKey,
		SessionID:   sessionID,
		Err: errors.NewLeaseError("claim rejected", errors.ErrLeaseConflict).
			WithResource(cur.ResourceKey).
			WithSession(sessionID).
			WithOwner(cur.HolderSessionID).
			WithAge(age),
	}
}

// VerifyOwnership reports whether sessionID holds a live lease on resourceKey.
func (g *Guard) VerifyOwnership(ctx context.Context, resourceKey, sessionID string) (bool, error) {
	if err := validate(resourceKey, sessionID); err != nil {
		return false, err
	}
	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, g.storeErr("get", err)
	}
	return cur.HolderSessionID == sessionID && !cur.IsStale(g.staleAfter, g.now()), nil
}

// Release clears the lease on resourceKey.
//
// The holder may always release its own lease. Another session may only clear
// a lease that is already stale, and only with an administrative reason. A
// live foreign lease is never removed. Releasing a resource with no lease is a
// no-op.
func (g *Guard) Release(ctx context.Context, resourceKey, sessionID string, reason lease.ReleaseReason) (*ReleaseResult, error) {
	if err := validate(resourceKey, sessionID); err != nil {
		return nil, err
	}
	if !reason.Valid() {
		return nil, errors.NewValidationError("unknown release reason").
			WithField("reason").
			WithValue(string(reason))
	}

	res := &ReleaseResult{ResourceKey: resourceKey, Reason: reason}
	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, g.storeErr("get", err)
	}

	now := g.now()
	if cur.HolderSessionID != sessionID && cur.Held() {
		if !reason.Administrative() {
			return nil, errors.NewLeaseError("cannot release another session's lease", errors.ErrNotHolder).
				WithResource(resourceKey).
				WithSession(sessionID).
				WithOwner(cur.HolderSessionID)
		}
		if !cur.IsStale(g.staleAfter, now) {
			return nil, errors.NewLeaseError("lease is still live", errors.ErrLeaseConflict).
				WithResource(resourceKey).
				WithSession(sessionID).
				WithOwner(cur.HolderSessionID).
				WithAge(cur.HeartbeatAge(now)).
				WithSeverity(errors.SeverityWarning)
		}
	}

	err = g.store.Delete(ctx, resourceKey, cur.Revision)
	switch {
	case errors.Is(err, lease.ErrNotFound):
		return res, nil
	case errors.Is(err, lease.ErrRevisionMismatch):
		return nil, errors.NewLeaseError("lease changed during release", errors.ErrLeaseConflict).
			WithResource(resourceKey).
			WithSession(sessionID)
	case err != nil:
		return nil, g.storeErr("delete", err)
	}

	res.Released = true
	res.PreviousHolder = cur.HolderSessionID
	g.logger.WithResource(resourceKey).WithSession(sessionID).Info("lease released",
		"reason", reason.String(),
		"previous_holder", cur.HolderSessionID,
		"heartbeat_age", cur.HeartbeatAge(now).String())
	return res, nil
}

// Heartbeat advances last_heartbeat_at on a lease the session already holds.
// It never creates a lease.
func (g *Guard) Heartbeat(ctx context.Context, resourceKey, sessionID string) (*lease.Lease, error) {
	if err := validate(resourceKey, sessionID); err != nil {
		return nil, err
	}
	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return nil, errors.NewLeaseError("no lease to refresh", errors.ErrNotHolder).
			WithResource(resourceKey).
			WithSession(sessionID)
	}
	if err != nil {
		return nil, g.storeErr("get", err)
	}
	if cur.HolderSessionID != sessionID {
		return nil, errors.NewLeaseError("no lease to refresh", errors.ErrNotHolder).
			WithResource(resourceKey).
			WithSession(sessionID).
			WithOwner(cur.HolderSessionID)
	}

	next := cur.Clone()
	next.LastHeartbeatAt = g.now()
	rev, err := g.store.Update(ctx, next, cur.Revision)
	if lease.IsWriteConflict(err) {
		return nil, errors.NewLeaseError("lease changed during heartbeat", errors.ErrLeaseConflict).
			WithResource(resourceKey).
			WithSession(sessionID)
	}
	if err != nil {
		return nil, g.storeErr("update", err)
	}
	next.Revision = rev
	g.logger.WithResource(resourceKey).WithSession(sessionID).Debug("lease heartbeat")
	return next, nil
}

// List returns every stored lease with its derived staleness.
func (g *Guard) List(ctx context.Context) ([]Entry, error) {
	all, err := g.store.List(ctx)
	if err != nil {
		return nil, g.storeErr("list", err)
	}
	now := g.now()
	entries := make([]Entry, 0, len(all))
	for _, l := range all {
		entries = append(entries, g.entry(l, now))
	}
	return entries, nil
}

// Inspect returns the lease on resourceKey, or nil if there is none.
func (g *Guard) Inspect(ctx context.Context, resourceKey string) (*Entry, error) {
	if err := lease.ValidateKey(resourceKey); err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("resource_key")
	}
	cur, err := g.store.Get(ctx, resourceKey)
	if errors.Is(err, lease.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, g.storeErr("get", err)
	}
	e := g.entry(cur, g.now())
	return &e, nil
}

// HeldBy returns the live lease held by sessionID, or nil.
func (g *Guard) HeldBy(ctx context.Context, sessionID string) (*lease.Lease, error) {
	all, err := g.store.List(ctx)
	if err != nil {
		return nil, g.storeErr("list", err)
	}
	now := g.now()
	for _, l := range all {
		if l.HolderSessionID == sessionID && !l.IsStale(g.staleAfter, now) {
			return l, nil
		}
	}
	return nil, nil
}

func (g *Guard) entry(l *lease.Lease, now time.Time) Entry {
	return Entry{
		Lease: l,
		Stale: l.IsStale(g.staleAfter, now),
		Age:   l.HeartbeatAge(now),
	}
}

func (g *Guard) newLease(resourceKey, sessionID string) *lease.Lease {
	now := g.now()
	return &lease.Lease{
		ResourceKey:     resourceKey,
		HolderSessionID: sessionID,
		AcquiredAt:      now,
		LastHeartbeatAt: now,
		OwnerMetadata:   g.ownerMetadata,
	}
}

func (g *Guard) storeErr(op string, err error) error {
	g.logger.Error("lease store failure", "op", op, "error", err.Error())
	return errors.NewStoreError(g.backend, op, err)
}

func success(l *lease.Lease, status Status) *Result {
	return &Result{
		Success:     true,
		Status:      status,
		Claim:       l,
		ResourceKey: l.ResourceKey,
		SessionID:   l.HolderSessionID,
	}
}

func validate(resourceKey, sessionID string) error {
	if err := lease.ValidateKey(resourceKey); err != nil {
		return errors.NewValidationError(err.Error()).WithField("resource_key").WithValue(resourceKey)
	}
	if sessionID == "" {
		return errors.NewValidationError("session id is required").WithField("session_id")
	}
	return nil
}
