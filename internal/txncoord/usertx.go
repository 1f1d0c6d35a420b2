package txncoord

import (
	"context"
	"sync"

	"pkt.systems/endpointd/internal/core"
)

// UserTransaction lets a bean-managed listener demarcate its own global
// transactions. At most one is active at a time.
type UserTransaction struct {
	mgr *Manager

	mu  sync.Mutex
	txn *Transaction
}

func newUserTransaction(mgr *Manager) *UserTransaction {
	return &UserTransaction{mgr: mgr}
}

// Begin starts a new transaction; nested transactions are not supported.
func (u *UserTransaction) Begin(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn != nil {
		return core.InvalidTxState("user transaction %s already active", u.txn.xid)
	}
	u.txn = u.mgr.Begin(ctx)
	return nil
}

// Commit completes the active transaction.
func (u *UserTransaction) Commit(ctx context.Context) error {
	txn, err := u.take("commit")
	if err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// Rollback rolls the active transaction back.
func (u *UserTransaction) Rollback(ctx context.Context) error {
	txn, err := u.take("rollback")
	if err != nil {
		return err
	}
	return txn.Rollback(ctx)
}

// SetRollbackOnly marks the active transaction rollback-only.
func (u *UserTransaction) SetRollbackOnly() error {
	u.mu.Lock()
	txn := u.txn
	u.mu.Unlock()
	if txn == nil {
		return core.InvalidTxState("no user transaction active")
	}
	return txn.SetRollbackOnly()
}

// Active returns the running transaction or nil.
func (u *UserTransaction) Active() *Transaction {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txn
}

// Status returns the state of the active transaction, or "" when none.
func (u *UserTransaction) Status() Status {
	if txn := u.Active(); txn != nil {
		return txn.Status()
	}
	return ""
}

func (u *UserTransaction) take(op string) (*Transaction, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn == nil {
		return nil, core.InvalidTxState("%s without an active user transaction", op)
	}
	txn := u.txn
	u.txn = nil
	return txn, nil
}
