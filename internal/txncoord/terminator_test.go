package txncoord

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
)

func importAndDetach(t *testing.T, mgr *Manager, xid Xid, enlist ...Resource) *Transaction {
	t.Helper()
	ctx := context.Background()
	txn, err := mgr.Import(ctx, xid)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, res := range enlist {
		if err := txn.Enlist(ctx, res); err != nil {
			t.Fatalf("enlist: %v", err)
		}
	}
	mgr.Detach(txn)
	return txn
}

func TestTerminatorTwoPhaseCommit(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	xid := ImportedXid(7, "global", "branch")
	res := NewTrackingResource()
	importAndDetach(t, mgr, xid, res)
	term := mgr.Terminator()

	if err := term.Commit(ctx, xid, false); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected commit before prepare to fail, got %v", err)
	}
	vote, err := term.Prepare(ctx, xid)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote != VoteCommit {
		t.Fatalf("expected commit vote, got %s", vote)
	}
	recovered, err := term.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != xid {
		t.Fatalf("expected %s in doubt, got %v", xid, recovered)
	}
	if err := term.Commit(ctx, xid, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !res.CommitDriven() || res.RollbackDriven() {
		t.Fatalf("expected commit driven, got %+v", res.State())
	}
	if err := term.Forget(ctx, xid); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := term.Rollback(ctx, xid); !errors.Is(err, core.ErrUnknownXid) {
		t.Fatalf("expected unknown xid after forget, got %v", err)
	}
}

func TestTerminatorCommitFailsWhenRollbackOnly(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	xid := ImportedXid(7, "marked", "b")
	txn := importAndDetach(t, mgr, xid)
	if err := txn.SetRollbackOnly(); err != nil {
		t.Fatalf("set rollback-only: %v", err)
	}
	err := mgr.Terminator().Commit(ctx, xid, true)
	if !errors.Is(err, core.ErrRollbackOnly) {
		t.Fatalf("expected rollback_only, got %v", err)
	}
	if txn.Outcome() != core.OutcomeRolledBack {
		t.Fatalf("expected rolled back, got %s", txn.Outcome())
	}
}

func TestTerminatorPrepareFailsWhenRollbackOnly(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	xid := ImportedXid(7, "marked-prepare", "b")
	txn := importAndDetach(t, mgr, xid)
	_ = txn.SetRollbackOnly()
	if _, err := mgr.Terminator().Prepare(ctx, xid); !errors.Is(err, core.ErrRollbackOnly) {
		t.Fatalf("expected rollback_only, got %v", err)
	}
	if txn.Status() != StatusRolledBack {
		t.Fatalf("expected rolled back, got %s", txn.Status())
	}
}

func TestTerminatorRollbackWhileAttachedMarksRollbackOnly(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	xid := ImportedXid(1, "attached", "b")
	txn, err := mgr.Import(ctx, xid)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := mgr.Import(ctx, xid); !errors.Is(err, core.ErrXidInUse) {
		t.Fatalf("expected xid_in_use, got %v", err)
	}
	if err := mgr.Terminator().Rollback(ctx, xid); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected invalid_tx_state, got %v", err)
	}
	if !txn.RollbackOnly() {
		t.Fatalf("expected rollback-only after attached rollback")
	}
	mgr.Detach(txn)
	if err := mgr.Terminator().Rollback(ctx, xid); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if txn.Outcome() != core.OutcomeRolledBack {
		t.Fatalf("expected rolled back, got %s", txn.Outcome())
	}
}

func TestTerminatorUnknownXid(t *testing.T) {
	ctx := context.Background()
	term := New(Config{}).Terminator()
	xid := ImportedXid(1, "nobody", "b")
	if _, err := term.Prepare(ctx, xid); !errors.Is(err, core.ErrUnknownXid) {
		t.Fatalf("expected unknown_xid, got %v", err)
	}
	if err := term.Commit(ctx, xid, true); !errors.Is(err, core.ErrUnknownXid) {
		t.Fatalf("expected unknown_xid, got %v", err)
	}
}

func TestCompletedRecordsExpireAfterRetention(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mgr := New(Config{Clock: clk, DecisionRetention: time.Minute})
	xid := ImportedXid(1, "expiring", "b")
	importAndDetach(t, mgr, xid)
	term := mgr.Terminator()
	if err := term.Rollback(ctx, xid); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := term.Rollback(ctx, xid); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected invalid_tx_state within retention, got %v", err)
	}
	if _, err := mgr.Import(ctx, xid); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected re-import of completed xid to fail, got %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := term.Rollback(ctx, xid); !errors.Is(err, core.ErrUnknownXid) {
		t.Fatalf("expected unknown_xid after retention, got %v", err)
	}
}

func TestParseXidRoundTrip(t *testing.T) {
	x := NewXid()
	parsed, err := ParseXid(x.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != x {
		t.Fatalf("expected %v, got %v", x, parsed)
	}
	for _, bad := range []string{"", "abc", "x:y:z", "1::b"} {
		if _, err := ParseXid(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
	if (Xid{FormatID: NullFormatID, GlobalID: "g"}).Valid() {
		t.Fatalf("null format id must not be valid")
	}
}

// reentrantResource calls back into the manager from every phase.
type reentrantResource struct {
	Tracker
	mgr   *Manager
	calls int
}

func (r *reentrantResource) touch() {
	r.calls++
	_ = r.mgr.Active()
	_, _ = r.mgr.Terminator().Recover(context.Background())
}

func (r *reentrantResource) Start(ctx context.Context, xid Xid) error {
	r.touch()
	return r.Tracker.Start(ctx, xid)
}

func (r *reentrantResource) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	r.touch()
	return r.Tracker.Prepare(ctx, xid)
}

func (r *reentrantResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	r.touch()
	return r.Tracker.Commit(ctx, xid, onePhase)
}

func (r *reentrantResource) Rollback(ctx context.Context, xid Xid) error {
	r.touch()
	return r.Tracker.Rollback(ctx, xid)
}

func TestResourceMayCallBackIntoManager(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	done := make(chan error, 1)
	imported := &reentrantResource{mgr: mgr}
	internal := &reentrantResource{mgr: mgr}
	rolled := &reentrantResource{mgr: mgr}
	go func() {
		xid := ImportedXid(1, "reentrant", "b")
		txn, err := mgr.Import(ctx, xid)
		if err != nil {
			done <- err
			return
		}
		if err := txn.Enlist(ctx, imported); err != nil {
			done <- err
			return
		}
		mgr.Detach(txn)
		term := mgr.Terminator()
		if _, err := term.Prepare(ctx, xid); err != nil {
			done <- err
			return
		}
		if err := term.Commit(ctx, xid, false); err != nil {
			done <- err
			return
		}
		txn = mgr.Begin(ctx)
		if err := txn.Enlist(ctx, internal); err != nil {
			done <- err
			return
		}
		if err := txn.Commit(ctx); err != nil {
			done <- err
			return
		}
		txn = mgr.Begin(ctx)
		if err := txn.Enlist(ctx, rolled); err != nil {
			done <- err
			return
		}
		done <- txn.Rollback(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("completion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resource callback into the manager deadlocked")
	}
	if !imported.CommitDriven() || imported.calls != 3 {
		t.Fatalf("imported resource: calls=%d state=%+v", imported.calls, imported.State())
	}
	if !internal.CommitDriven() || internal.calls != 2 {
		t.Fatalf("internal resource: calls=%d state=%+v", internal.calls, internal.State())
	}
	if !rolled.RollbackDriven() || rolled.calls != 2 {
		t.Fatalf("rolled back resource: calls=%d state=%+v", rolled.calls, rolled.State())
	}
}

func TestSetRollbackOnlyWaitsForRunningCompletion(t *testing.T) {
	ctx := context.Background()
	mgr := New(Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	res := &blockingCommitResource{entered: entered, release: release}
	txn := mgr.Begin(ctx)
	if err := txn.Enlist(ctx, res); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	committed := make(chan error, 1)
	go func() { committed <- txn.Commit(ctx) }()
	<-entered
	if st := txn.Status(); st != StatusActive {
		t.Fatalf("expected status readable during commit, got %s", st)
	}
	marked := make(chan error, 1)
	go func() { marked <- txn.SetRollbackOnly() }()
	select {
	case err := <-marked:
		t.Fatalf("rollback-only must wait for the running commit, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-committed; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := <-marked; !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected invalid_tx_state after commit, got %v", err)
	}
}

type blockingCommitResource struct {
	Tracker
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCommitResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	close(b.entered)
	<-b.release
	return b.Tracker.Commit(ctx, xid, onePhase)
}
