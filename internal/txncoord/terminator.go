package txncoord

import (
	"context"
	"errors"

	"pkt.systems/endpointd/internal/core"
)

// Terminator completes imported transactions on behalf of their owner.
type Terminator interface {
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	// Recover lists imported transactions that are prepared and awaiting a decision.
	Recover(ctx context.Context) ([]Xid, error)
	// Forget discards the record of a completed transaction.
	Forget(ctx context.Context, xid Xid) error
}

type terminator struct {
	mgr *Manager
}

func (t *terminator) lookup(xid Xid) (*Transaction, error) {
	t.mgr.mu.Lock()
	t.mgr.sweepLocked()
	txn, ok := t.mgr.txns[xid.String()]
	t.mgr.mu.Unlock()
	if !ok || txn.kind != core.TxKindGlobalImported {
		return nil, core.UnknownXid(xid.String())
	}
	return txn, nil
}

func (t *terminator) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	txn, err := t.lookup(xid)
	if err != nil {
		return VoteCommit, err
	}
	if txn.isAttached() {
		return VoteCommit, core.InvalidTxState("prepare of %s while a delivery is attached", xid)
	}
	vote, err := txn.prepare(ctx)
	t.mgr.logger.Debug("txn.terminator.prepare", "xid", xid.String(), "vote", vote.String(), "error", err)
	return vote, err
}

func (t *terminator) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	txn, err := t.lookup(xid)
	if err != nil {
		return err
	}
	if txn.isAttached() {
		return core.InvalidTxState("commit of %s while a delivery is attached", xid)
	}
	if onePhase {
		err = txn.commitOnePhase(ctx)
	} else {
		err = txn.commitPrepared(ctx)
	}
	t.mgr.logger.Debug("txn.terminator.commit", "xid", xid.String(), "one_phase", onePhase, "error", err)
	return err
}

func (t *terminator) Rollback(ctx context.Context, xid Xid) error {
	txn, err := t.lookup(xid)
	if err != nil {
		return err
	}
	if txn.isAttached() {
		if markErr := txn.SetRollbackOnly(); markErr != nil {
			return markErr
		}
		return core.InvalidTxState("rollback of %s while a delivery is attached; marked rollback-only", xid)
	}
	err = txn.rollback(ctx)
	t.mgr.logger.Debug("txn.terminator.rollback", "xid", xid.String(), "error", err)
	return err
}

func (t *terminator) Recover(ctx context.Context) ([]Xid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	var out []Xid
	for _, txn := range t.mgr.txns {
		if txn.kind == core.TxKindGlobalImported && txn.Status() == StatusPrepared {
			out = append(out, txn.xid)
		}
	}
	sortXids(out)
	return out, nil
}

func (t *terminator) Forget(ctx context.Context, xid Xid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn, err := t.lookup(xid)
	if err != nil {
		return err
	}
	if !txn.Status().completed() {
		return core.InvalidTxState("forget of %s transaction %s", txn.Status(), xid)
	}
	t.mgr.forget(xid)
	return nil
}

// IsRollbackOnly reports whether err is a rollback_only failure.
func IsRollbackOnly(err error) bool {
	return errors.Is(err, core.ErrRollbackOnly)
}
