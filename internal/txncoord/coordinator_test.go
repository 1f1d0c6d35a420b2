package txncoord

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/endpointd/internal/core"
)

func newTestManager(t testing.TB) *Manager {
	t.Helper()
	return New(Config{})
}

func TestRequiredBeginsInternalAndEnlists(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	coord := NewCoordinator(mgr, nil)
	res := NewTrackingResource()

	b, err := coord.Open(ctx, core.TxRequired, NewScope(nil), res)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Kind() != core.TxKindGlobalInternal || !b.Transacted() {
		t.Fatalf("expected internal global transaction, got %s", b.Kind())
	}
	if !b.Enlisted() || !res.Enlisted() {
		t.Fatalf("expected resource enlisted")
	}
	outcome, err := b.Complete(ctx)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome != core.OutcomeCommitted {
		t.Fatalf("expected committed, got %s", outcome)
	}
	state := res.State()
	if !state.CommitDriven || state.RollbackDriven {
		t.Fatalf("expected commit driven only, got %+v", state)
	}
	if state.Ends != 1 {
		t.Fatalf("expected one delist, got %d", state.Ends)
	}
	if len(mgr.Active()) != 0 {
		t.Fatalf("expected no active transactions, got %v", mgr.Active())
	}
}

func TestRequiredRollbackOnlyRollsBackWithoutError(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(newTestManager(t), nil)
	res := NewTrackingResource()

	b, err := coord.Open(ctx, core.TxRequired, NewScope(nil), res)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Transaction().SetRollbackOnly(); err != nil {
		t.Fatalf("set rollback-only: %v", err)
	}
	outcome, err := b.Complete(ctx)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome != core.OutcomeRolledBack {
		t.Fatalf("expected rolled back, got %s", outcome)
	}
	if res.CommitDriven() || !res.RollbackDriven() {
		t.Fatalf("expected rollback driven only, got %+v", res.State())
	}
}

func TestAbortRollsBackOnceAndIgnoresLaterComplete(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(newTestManager(t), nil)
	res := NewTrackingResource()

	b, err := coord.Open(ctx, core.TxRequired, NewScope(nil), res)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if outcome, _ := b.Complete(ctx); outcome != core.OutcomeRolledBack {
		t.Fatalf("expected first outcome to stick, got %s", outcome)
	}
	state := res.State()
	if state.Rollbacks != 1 || state.Commits != 0 || state.Ends != 1 {
		t.Fatalf("unexpected resource calls: %+v", state)
	}
}

func TestNotSupportedNeverEnlistsAndSuspendsImported(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	coord := NewCoordinator(mgr, nil)
	imported, err := mgr.Import(ctx, ImportedXid(1, "g1", "b1"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	scope := NewScope(imported)
	res := NewTrackingResource()

	b, err := coord.Open(ctx, core.TxNotSupported, scope, res)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Kind() != core.TxKindNone || b.Transacted() {
		t.Fatalf("expected no transaction, got %s", b.Kind())
	}
	if scope.Current() != nil {
		t.Fatalf("expected imported transaction suspended")
	}
	if _, err := b.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if scope.Current() != imported {
		t.Fatalf("expected imported transaction resumed")
	}
	if res.Enlisted() || res.CommitDriven() || res.RollbackDriven() {
		t.Fatalf("resource must not be touched: %+v", res.State())
	}
}

func TestImportedJoinsWithoutEnlisting(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	coord := NewCoordinator(mgr, nil)
	xid := ImportedXid(1, "g2", "b1")
	imported, err := mgr.Import(ctx, xid)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	res := NewTrackingResource()
	b, err := coord.Open(ctx, core.TxRequired, NewScope(imported), res)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Kind() != core.TxKindGlobalImported || b.Enlisted() {
		t.Fatalf("expected imported join without enlistment, got kind=%s enlisted=%v", b.Kind(), b.Enlisted())
	}
	outcome, err := b.Complete(ctx)
	if err != nil || outcome != core.OutcomePending {
		t.Fatalf("expected pending outcome, got %s err=%v", outcome, err)
	}
	mgr.Detach(imported)

	term := mgr.Terminator()
	if _, err := term.Prepare(ctx, xid); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if imported.Status() != StatusCommitted {
		t.Fatalf("expected read-only prepare to complete, got %s", imported.Status())
	}
	if res.Enlisted() || res.CommitDriven() || res.RollbackDriven() {
		t.Fatalf("resource must not be touched: %+v", res.State())
	}
}

func TestBeanManagedLeftoverUserTransactionRolledBack(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	coord := NewCoordinator(mgr, nil)
	adapterRes := NewTrackingResource()

	b, err := coord.Open(ctx, core.TxBeanManaged, NewScope(nil), adapterRes)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Kind() != core.TxKindNone {
		t.Fatalf("expected outer kind none, got %s", b.Kind())
	}
	ut := b.UserTransaction()
	if ut == nil {
		t.Fatalf("expected user transaction")
	}
	if err := ut.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ut.Begin(ctx); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected nested begin to fail, got %v", err)
	}
	own := NewTrackingResource()
	if err := ut.Active().Enlist(ctx, own); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	if _, err := b.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ut.Active() != nil {
		t.Fatalf("expected user transaction cleared")
	}
	if !own.RollbackDriven() || own.CommitDriven() {
		t.Fatalf("expected leftover user transaction rolled back: %+v", own.State())
	}
	if adapterRes.Enlisted() {
		t.Fatalf("adapter resource must not be enlisted under bean-managed")
	}
}

type failingResource struct {
	Tracker
	startErr   error
	prepareErr error
}

func (f *failingResource) Start(ctx context.Context, xid Xid) error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.Tracker.Start(ctx, xid)
}

func (f *failingResource) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	if f.prepareErr != nil {
		return VoteCommit, f.prepareErr
	}
	return f.Tracker.Prepare(ctx, xid)
}

func TestEnlistmentFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(newTestManager(t), nil)
	res := &failingResource{startErr: errors.New("refused")}

	if _, err := coord.Open(ctx, core.TxRequired, NewScope(nil), res); !errors.Is(err, core.ErrEnlistmentFailed) {
		t.Fatalf("expected enlistment failure, got %v", err)
	}
	if res.Enlisted() || res.CommitDriven() {
		t.Fatalf("unexpected resource state %+v", res.State())
	}
}

func TestTwoPhaseInternalRollsBackOnFailedVote(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	txn := mgr.Begin(ctx)
	good := NewTrackingResource()
	bad := &failingResource{prepareErr: errors.New("no")}
	if err := txn.Enlist(ctx, good); err != nil {
		t.Fatalf("enlist good: %v", err)
	}
	if err := txn.Enlist(ctx, bad); err != nil {
		t.Fatalf("enlist bad: %v", err)
	}
	err := txn.Commit(ctx)
	if !errors.Is(err, core.ErrRollbackOnly) {
		t.Fatalf("expected rollback_only, got %v", err)
	}
	if txn.Status() != StatusRolledBack {
		t.Fatalf("expected rolled back, got %s", txn.Status())
	}
	if good.State().Prepares != 1 || !good.RollbackDriven() || good.CommitDriven() {
		t.Fatalf("unexpected good participant state %+v", good.State())
	}
}

func TestTwoPhaseInternalCommitsAll(t *testing.T) {
	ctx := context.Background()
	txn := newTestManager(t).Begin(ctx)
	a, b := NewTrackingResource(), NewTrackingResource()
	for _, r := range []*Tracker{a, b} {
		if err := txn.Enlist(ctx, r); err != nil {
			t.Fatalf("enlist: %v", err)
		}
	}
	if err := txn.Enlist(ctx, a); err != nil {
		t.Fatalf("re-enlist: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, r := range []*Tracker{a, b} {
		state := r.State()
		if state.Starts != 1 || state.Prepares != 1 || state.Commits != 1 {
			t.Fatalf("unexpected participant state %+v", state)
		}
	}
	if err := txn.Commit(ctx); !errors.Is(err, core.ErrInvalidTxState) {
		t.Fatalf("expected second commit to fail, got %v", err)
	}
}

func TestSynchronizationSeesOutcome(t *testing.T) {
	ctx := context.Background()
	txn := newTestManager(t).Begin(ctx)
	got := make(chan core.Outcome, 1)
	txn.RegisterSynchronization(func(o core.Outcome) { got <- o })
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if o := <-got; o != core.OutcomeRolledBack {
		t.Fatalf("expected rolled back, got %s", o)
	}
}
