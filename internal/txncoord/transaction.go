package txncoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/endpointd/internal/core"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive         Status = "active"
	StatusMarkedRollback Status = "marked_rollback"
	StatusPrepared       Status = "prepared"
	StatusCommitted      Status = "committed"
	StatusRolledBack     Status = "rolled_back"
)

func (s Status) completed() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

type enlistment struct {
	res      Resource
	readOnly bool
}

// Transaction is a global transaction, begun internally or imported.
type Transaction struct {
	xid       Xid
	kind      core.TxKind
	mgr       *Manager
	createdAt time.Time

	mu          sync.Mutex
	status      Status
	enlisted    []enlistment
	delisted    bool
	attached    bool
	busy        bool
	idle        *sync.Cond
	completedAt time.Time
	syncs       []func(core.Outcome)
}

// Xid returns the transaction id.
func (t *Transaction) Xid() Xid { return t.xid }

// Kind returns GlobalInternal or GlobalImported.
func (t *Transaction) Kind() core.TxKind { return t.kind }

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Outcome maps the status to committed, rolled back or pending.
func (t *Transaction) Outcome() core.Outcome {
	switch t.Status() {
	case StatusCommitted:
		return core.OutcomeCommitted
	case StatusRolledBack:
		return core.OutcomeRolledBack
	}
	return core.OutcomePending
}

// RollbackOnly reports whether the transaction can no longer commit.
func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusMarkedRollback || t.status == StatusRolledBack
}

// SetRollbackOnly marks the transaction so the only possible outcome is rollback.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitIdleLocked()
	switch t.status {
	case StatusActive, StatusMarkedRollback:
		t.status = StatusMarkedRollback
		return nil
	}
	return core.InvalidTxState("set rollback-only on %s transaction %s", t.status, t.xid)
}

// Enlist registers res as a participant. A resource that rejects
// enlistment leaves the transaction rollback-only.
func (t *Transaction) Enlist(ctx context.Context, res Resource) error {
	if res == nil {
		return errors.New("txncoord: nil resource")
	}
	t.mu.Lock()
	t.claimLocked()
	switch t.status {
	case StatusActive:
	case StatusMarkedRollback:
		t.releaseLocked()
		t.mu.Unlock()
		return core.RollbackOnly(t.xid.String(), errors.New("enlist after rollback-only"))
	default:
		status := t.status
		t.releaseLocked()
		t.mu.Unlock()
		return core.InvalidTxState("enlist in %s transaction %s", status, t.xid)
	}
	for _, e := range t.enlisted {
		if e.res == res {
			t.releaseLocked()
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	err := res.Start(ctx, t.xid)

	t.mu.Lock()
	if err != nil {
		t.status = StatusMarkedRollback
	} else {
		t.enlisted = append(t.enlisted, enlistment{res: res})
	}
	t.releaseLocked()
	t.mu.Unlock()
	t.mgr.metrics.recordEnlist(ctx, t.kind, err == nil)
	if err != nil {
		return core.EnlistmentFailed(t.xid.String(), err)
	}
	return nil
}

// Enlisted reports whether res is a participant.
func (t *Transaction) Enlisted(res Resource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.enlisted {
		if e.res == res {
			return true
		}
	}
	return false
}

// RegisterSynchronization arranges for fn to run once the outcome is known.
func (t *Transaction) RegisterSynchronization(fn func(core.Outcome)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, fn)
}

// Commit completes an internally begun transaction. A rollback-only
// transaction is rolled back and Commit returns a rollback_only failure.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.kind == core.TxKindGlobalImported {
		return core.InvalidTxState("imported transaction %s is completed by its terminator", t.xid)
	}
	return t.commitOnePhase(ctx)
}

// Rollback completes an internally begun transaction by rolling it back.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.kind == core.TxKindGlobalImported {
		return core.InvalidTxState("imported transaction %s is completed by its terminator", t.xid)
	}
	return t.rollback(ctx)
}

// Completion steps claim the transaction under t.mu, copy the
// participants, and drive them with t.mu released. Resources may call
// back into the transaction or the manager.

// claimLocked waits for any running step and reserves the transaction.
func (t *Transaction) claimLocked() {
	t.waitIdleLocked()
	t.busy = true
}

func (t *Transaction) waitIdleLocked() {
	for t.busy {
		t.idle.Wait()
	}
}

func (t *Transaction) releaseLocked() {
	t.busy = false
	t.idle.Broadcast()
}

// settle records the step's result and releases the claim.
func (t *Transaction) settle(status Status, parts []enlistment) {
	t.mu.Lock()
	t.status = status
	if parts != nil {
		t.enlisted = parts
	}
	t.releaseLocked()
	t.mu.Unlock()
}

// claimFor claims the transaction and returns a copy of its participants
// when its status is one of allowed. Otherwise the claim is released and
// the current status returned with ok false.
func (t *Transaction) claimFor(allowed ...Status) (Status, []enlistment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimLocked()
	for _, st := range allowed {
		if t.status == st {
			return t.status, append([]enlistment(nil), t.enlisted...), true
		}
	}
	t.releaseLocked()
	return t.status, nil, false
}

// commitOnePhase commits an active transaction without a separate prepare
// call from the owner. More than one participant still runs two phases.
func (t *Transaction) commitOnePhase(ctx context.Context) error {
	start := time.Now()
	status, parts, ok := t.claimFor(StatusActive, StatusMarkedRollback)
	if !ok {
		return core.InvalidTxState("commit %s transaction %s", status, t.xid)
	}
	if status == StatusMarkedRollback {
		errs := t.driveRollback(ctx, parts)
		t.settle(StatusRolledBack, parts)
		t.finish(ctx, core.OutcomeRolledBack, start)
		return core.RollbackOnly(t.xid.String(), errors.Join(errs...))
	}
	t.delist(ctx, parts, true)
	var err error
	final := StatusCommitted
	switch len(parts) {
	case 0:
	case 1:
		if cerr := parts[0].res.Commit(ctx, t.xid, true); cerr != nil {
			final = StatusRolledBack
			err = core.RollbackOnly(t.xid.String(), cerr)
		}
	default:
		if perr := drivePrepare(ctx, t.xid, parts); perr != nil {
			errs := t.driveRollback(ctx, parts)
			final = StatusRolledBack
			err = core.RollbackOnly(t.xid.String(), errors.Join(append([]error{perr}, errs...)...))
			break
		}
		err = driveCommit(ctx, t.xid, parts)
	}
	t.settle(final, parts)
	outcome := core.OutcomeCommitted
	if final == StatusRolledBack {
		outcome = core.OutcomeRolledBack
	}
	t.finish(ctx, outcome, start)
	return err
}

func (t *Transaction) rollback(ctx context.Context) error {
	start := time.Now()
	status, parts, ok := t.claimFor(StatusActive, StatusMarkedRollback, StatusPrepared)
	if !ok {
		return core.InvalidTxState("rollback %s transaction %s", status, t.xid)
	}
	errs := t.driveRollback(ctx, parts)
	t.settle(StatusRolledBack, parts)
	t.finish(ctx, core.OutcomeRolledBack, start)
	return errors.Join(errs...)
}

// prepare runs the first phase on behalf of an external terminator.
func (t *Transaction) prepare(ctx context.Context) (Vote, error) {
	start := time.Now()
	status, parts, ok := t.claimFor(StatusActive, StatusMarkedRollback)
	if !ok {
		return VoteCommit, core.InvalidTxState("prepare %s transaction %s", status, t.xid)
	}
	if status == StatusMarkedRollback {
		errs := t.driveRollback(ctx, parts)
		t.settle(StatusRolledBack, parts)
		t.finish(ctx, core.OutcomeRolledBack, start)
		return VoteCommit, core.RollbackOnly(t.xid.String(), errors.Join(errs...))
	}
	t.delist(ctx, parts, true)
	if err := drivePrepare(ctx, t.xid, parts); err != nil {
		errs := t.driveRollback(ctx, parts)
		t.settle(StatusRolledBack, parts)
		t.finish(ctx, core.OutcomeRolledBack, start)
		return VoteCommit, core.RollbackOnly(t.xid.String(), errors.Join(append([]error{err}, errs...)...))
	}
	if pending(parts) == 0 {
		t.settle(StatusCommitted, parts)
		t.finish(ctx, core.OutcomeCommitted, start)
		return VoteReadOnly, nil
	}
	t.settle(StatusPrepared, parts)
	return VoteCommit, nil
}

// commitPrepared runs the second phase on behalf of an external terminator.
func (t *Transaction) commitPrepared(ctx context.Context) error {
	start := time.Now()
	status, parts, ok := t.claimFor(StatusPrepared)
	if !ok {
		return core.InvalidTxState("two-phase commit of %s transaction %s", status, t.xid)
	}
	err := driveCommit(ctx, t.xid, parts)
	t.settle(StatusCommitted, parts)
	t.finish(ctx, core.OutcomeCommitted, start)
	return err
}

// drivePrepare records each participant's vote in parts.
func drivePrepare(ctx context.Context, xid Xid, parts []enlistment) error {
	for i := range parts {
		vote, err := parts[i].res.Prepare(ctx, xid)
		if err != nil {
			return fmt.Errorf("prepare participant %d: %w", i, err)
		}
		parts[i].readOnly = vote == VoteReadOnly
	}
	return nil
}

func driveCommit(ctx context.Context, xid Xid, parts []enlistment) error {
	var errs []error
	for _, e := range parts {
		if e.readOnly {
			continue
		}
		if err := e.res.Commit(ctx, xid, false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("txncoord: commit %s: %w", xid, errors.Join(errs...))
	}
	return nil
}

func (t *Transaction) driveRollback(ctx context.Context, parts []enlistment) []error {
	t.delist(ctx, parts, false)
	var errs []error
	for _, e := range parts {
		if e.readOnly {
			continue
		}
		if err := e.res.Rollback(ctx, t.xid); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// delist ends every participant exactly once per transaction.
func (t *Transaction) delist(ctx context.Context, parts []enlistment, success bool) {
	t.mu.Lock()
	already := t.delisted
	t.delisted = true
	t.mu.Unlock()
	if already {
		return
	}
	for _, e := range parts {
		if err := e.res.End(ctx, t.xid, success); err != nil {
			t.mgr.logger.Warn("txn.delist.failed", "xid", t.xid.String(), "error", err)
		}
	}
}

func pending(parts []enlistment) int {
	n := 0
	for _, e := range parts {
		if !e.readOnly {
			n++
		}
	}
	return n
}

func (t *Transaction) finish(ctx context.Context, outcome core.Outcome, start time.Time) {
	t.mu.Lock()
	t.completedAt = t.mgr.clock.Now()
	syncs := t.syncs
	t.syncs = nil
	participants := len(t.enlisted)
	t.mu.Unlock()
	for _, fn := range syncs {
		fn(outcome)
	}
	t.mgr.completed(ctx, t, outcome, participants, time.Since(start))
}

func (t *Transaction) attach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached {
		return core.Failure{Code: core.CodeXidInUse, Detail: t.xid.String()}
	}
	switch t.status {
	case StatusActive, StatusMarkedRollback:
	default:
		return core.InvalidTxState("import %s transaction %s", t.status, t.xid)
	}
	t.attached = true
	return nil
}

func (t *Transaction) detach() {
	t.mu.Lock()
	t.attached = false
	t.mu.Unlock()
}

func (t *Transaction) isAttached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}
