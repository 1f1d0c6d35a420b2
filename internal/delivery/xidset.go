package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/pslog"
)

// xidBook tracks imported transactions seen by deliveries: active ones
// and prepared (in-doubt) ones.
type xidBook struct {
	mu      sync.Mutex
	active  map[string]txncoord.Xid
	inDoubt map[string]txncoord.Xid
}

func newXidBook() *xidBook {
	return &xidBook{active: make(map[string]txncoord.Xid), inDoubt: make(map[string]txncoord.Xid)}
}

// add records xid as active and reports whether it was already known.
func (b *xidBook) add(xid txncoord.Xid) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := xid.String()
	_, dup := b.active[key]
	b.active[key] = xid
	return dup
}

func (b *xidBook) prepared(xid txncoord.Xid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := xid.String()
	delete(b.active, key)
	b.inDoubt[key] = xid
}

func (b *xidBook) completed(xid txncoord.Xid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := xid.String()
	delete(b.active, key)
	delete(b.inDoubt, key)
}

func (b *xidBook) snapshot() (active, inDoubt []txncoord.Xid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.active {
		active = append(active, x)
	}
	for _, x := range b.inDoubt {
		inDoubt = append(inDoubt, x)
	}
	sortXids(active)
	sortXids(inDoubt)
	return active, inDoubt
}

func sortXids(xids []txncoord.Xid) {
	sort.Slice(xids, func(i, j int) bool { return xids[i].String() < xids[j].String() })
}

// trackingTerminator keeps the xid book in step with terminator calls.
type trackingTerminator struct {
	inner  txncoord.Terminator
	mgr    *txncoord.Manager
	book   *xidBook
	logger pslog.Logger
}

func (t *trackingTerminator) Prepare(ctx context.Context, xid txncoord.Xid) (txncoord.Vote, error) {
	vote, err := t.inner.Prepare(ctx, xid)
	switch {
	case err == nil && vote == txncoord.VoteCommit:
		t.book.prepared(xid)
	case err == nil, t.finished(xid):
		t.book.completed(xid)
	}
	return vote, err
}

func (t *trackingTerminator) Commit(ctx context.Context, xid txncoord.Xid, onePhase bool) error {
	err := t.inner.Commit(ctx, xid, onePhase)
	if err == nil || t.finished(xid) {
		t.book.completed(xid)
	}
	return err
}

func (t *trackingTerminator) Rollback(ctx context.Context, xid txncoord.Xid) error {
	err := t.inner.Rollback(ctx, xid)
	if err == nil || t.finished(xid) {
		t.book.completed(xid)
	}
	return err
}

func (t *trackingTerminator) Recover(ctx context.Context) ([]txncoord.Xid, error) {
	return t.inner.Recover(ctx)
}

func (t *trackingTerminator) Forget(ctx context.Context, xid txncoord.Xid) error {
	err := t.inner.Forget(ctx, xid)
	if err == nil {
		t.book.completed(xid)
	}
	return err
}

func (t *trackingTerminator) finished(xid txncoord.Xid) bool {
	txn, ok := t.mgr.Lookup(xid)
	if !ok {
		return true
	}
	return txn.Outcome() != core.OutcomePending
}

// RollbackAllActive rolls back every imported transaction that is still
// active, as an adapter does after losing its connection to the owner.
func (d *Dispatcher) RollbackAllActive(ctx context.Context) error {
	active, _ := d.xids.snapshot()
	var errs []error
	for _, xid := range active {
		if err := d.terminator.Rollback(ctx, xid); err != nil && !errors.Is(err, core.ErrUnknownXid) {
			errs = append(errs, fmt.Errorf("rollback %s: %w", xid, err))
			continue
		}
		d.xids.completed(xid)
	}
	d.logger.Info("delivery.xids.rollback_all", "count", len(active), "failed", len(errs))
	return errors.Join(errs...)
}

// VerifyInDoubt checks that the transactions the terminator reports as
// prepared are exactly the in-doubt set tracked here and, when expected
// is non-nil, exactly expected.
func (d *Dispatcher) VerifyInDoubt(ctx context.Context, expected []txncoord.Xid) error {
	recovered, err := d.terminator.Recover(ctx)
	if err != nil {
		return err
	}
	_, inDoubt := d.xids.snapshot()
	if diff := diffXids(recovered, inDoubt); diff != "" {
		return core.InvalidTxState("recovered transactions differ from tracked in-doubt set: %s", diff)
	}
	if expected != nil {
		sorted := append([]txncoord.Xid(nil), expected...)
		sortXids(sorted)
		if diff := diffXids(recovered, sorted); diff != "" {
			return core.InvalidTxState("recovered transactions differ from expected: %s", diff)
		}
	}
	return nil
}

// InDoubt returns the tracked prepared xids.
func (d *Dispatcher) InDoubt() []txncoord.Xid {
	_, inDoubt := d.xids.snapshot()
	return inDoubt
}

// ActiveXids returns the tracked active imported xids.
func (d *Dispatcher) ActiveXids() []txncoord.Xid {
	active, _ := d.xids.snapshot()
	return active
}

func diffXids(got, want []txncoord.Xid) string {
	gotSet := make(map[string]struct{}, len(got))
	for _, x := range got {
		gotSet[x.String()] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, x := range want {
		wantSet[x.String()] = struct{}{}
	}
	var missing, extra []string
	for k := range wantSet {
		if _, ok := gotSet[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range gotSet {
		if _, ok := wantSet[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return ""
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Sprintf("missing=[%s] extra=[%s]", strings.Join(missing, ","), strings.Join(extra, ","))
}
