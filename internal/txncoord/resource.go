package txncoord

import (
	"context"
	"sync"
)

// Vote is a resource's answer to prepare.
type Vote int

const (
	// VoteCommit means the resource prepared and awaits commit/rollback.
	VoteCommit Vote = iota
	// VoteReadOnly means the resource has nothing to commit and is done.
	VoteReadOnly
)

func (v Vote) String() string {
	if v == VoteReadOnly {
		return "read_only"
	}
	return "commit"
}

// Resource is a transactional participant that can be enlisted in a
// global transaction and driven through two-phase completion. Calls for
// one transaction are serialised and made with no engine lock held.
type Resource interface {
	// Start associates the resource with the transaction branch (enlistment).
	Start(ctx context.Context, xid Xid) error
	// End dissociates the resource; success is false when the branch will roll back.
	End(ctx context.Context, xid Xid, success bool) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
}

// TrackerState is a snapshot of what the engine drove on a tracked resource.
type TrackerState struct {
	Enlisted       bool
	CommitDriven   bool
	RollbackDriven bool
	Starts         int
	Ends           int
	Prepares       int
	Commits        int
	Rollbacks      int
	LastXid        Xid
}

// Tracker records every call the engine makes on a resource and forwards
// it to an optional inner resource. Adapters hand a Tracker to the
// dispatcher so the observation surface can report enlistment and
// commit/rollback flags.
type Tracker struct {
	inner Resource

	mu    sync.Mutex
	state TrackerState
}

// Track wraps inner; inner may be nil, in which case every call succeeds.
func Track(inner Resource) *Tracker {
	return &Tracker{inner: inner}
}

// NewTrackingResource returns a Tracker with no inner resource.
func NewTrackingResource() *Tracker {
	return &Tracker{}
}

// Start implements Resource.
func (t *Tracker) Start(ctx context.Context, xid Xid) error {
	if t.inner != nil {
		if err := t.inner.Start(ctx, xid); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.state.Enlisted = true
	t.state.Starts++
	t.state.LastXid = xid
	t.mu.Unlock()
	return nil
}

// End implements Resource.
func (t *Tracker) End(ctx context.Context, xid Xid, success bool) error {
	t.mu.Lock()
	t.state.Ends++
	t.mu.Unlock()
	if t.inner != nil {
		return t.inner.End(ctx, xid, success)
	}
	return nil
}

// Prepare implements Resource.
func (t *Tracker) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	t.mu.Lock()
	t.state.Prepares++
	t.mu.Unlock()
	if t.inner != nil {
		return t.inner.Prepare(ctx, xid)
	}
	return VoteCommit, nil
}

// Commit implements Resource.
func (t *Tracker) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	t.mu.Lock()
	t.state.CommitDriven = true
	t.state.Commits++
	t.mu.Unlock()
	if t.inner != nil {
		return t.inner.Commit(ctx, xid, onePhase)
	}
	return nil
}

// Rollback implements Resource.
func (t *Tracker) Rollback(ctx context.Context, xid Xid) error {
	t.mu.Lock()
	t.state.RollbackDriven = true
	t.state.Rollbacks++
	t.mu.Unlock()
	if t.inner != nil {
		return t.inner.Rollback(ctx, xid)
	}
	return nil
}

// State returns a snapshot of the recorded calls.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enlisted reports whether Start was driven successfully.
func (t *Tracker) Enlisted() bool { return t.State().Enlisted }

// CommitDriven reports whether Commit was driven.
func (t *Tracker) CommitDriven() bool { return t.State().CommitDriven }

// RollbackDriven reports whether Rollback was driven.
func (t *Tracker) RollbackDriven() bool { return t.State().RollbackDriven }
