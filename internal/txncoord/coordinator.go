// Package txncoord decides the transaction context of each delivery,
// begins and completes internal global transactions, enlists adapter
// resources, and drives imported transactions to completion on behalf of
// their external owner.
package txncoord

import (
	"context"
	"sync"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

// Coordinator opens transaction boundaries for deliveries.
type Coordinator struct {
	mgr    *Manager
	logger pslog.Logger
}

// NewCoordinator binds a coordinator to mgr.
func NewCoordinator(mgr *Manager, logger pslog.Logger) *Coordinator {
	return &Coordinator{
		mgr:    mgr,
		logger: svcfields.WithSubsystem(svcfields.Ensure(logger), "txn.coordinator"),
	}
}

// Manager returns the underlying transaction manager.
func (c *Coordinator) Manager() *Manager { return c.mgr }

// Open starts the transaction boundary of one delivery (Option B) or one
// method invocation (Option A). res is the adapter-supplied resource and
// may be nil; it is enlisted only when the boundary begins an internal
// global transaction.
func (c *Coordinator) Open(ctx context.Context, attr core.TxAttribute, scope *Scope, res Resource) (*Boundary, error) {
	p := policyFor(attr)
	b, err := p.open(ctx, c, scope, res)
	if err != nil {
		c.logger.Debug("txn.boundary.open_failed", "attribute", attr.String(), "error", err)
		return nil, err
	}
	b.attr = attr
	c.logger.Trace("txn.boundary.open", "attribute", attr.String(), "kind", string(b.kind), "enlisted", b.enlisted)
	return b, nil
}

// policy is the per-attribute rule set. Exactly one is chosen per boundary.
type policy interface {
	open(ctx context.Context, c *Coordinator, scope *Scope, res Resource) (*Boundary, error)
}

func policyFor(attr core.TxAttribute) policy {
	switch attr {
	case core.TxNotSupported:
		return notSupportedPolicy{}
	case core.TxBeanManaged:
		return beanManagedPolicy{}
	default:
		return requiredPolicy{}
	}
}

type requiredPolicy struct{}

func (requiredPolicy) open(ctx context.Context, c *Coordinator, scope *Scope, res Resource) (*Boundary, error) {
	if imported := scope.Current(); imported != nil {
		// Imported work joins the owner's transaction; the adapter resource
		// belongs to the owner and is never enlisted here.
		return &Boundary{kind: core.TxKindGlobalImported, txn: imported, closer: importedCloser{txn: imported}}, nil
	}
	txn := c.mgr.Begin(ctx)
	b := &Boundary{kind: core.TxKindGlobalInternal, txn: txn, closer: internalCloser{txn: txn}}
	if res != nil {
		if err := txn.Enlist(ctx, res); err != nil {
			_ = txn.Rollback(ctx)
			return nil, err
		}
		b.enlisted = true
	}
	return b, nil
}

type notSupportedPolicy struct{}

func (notSupportedPolicy) open(_ context.Context, _ *Coordinator, scope *Scope, _ Resource) (*Boundary, error) {
	suspended := scope.Suspend()
	return &Boundary{kind: core.TxKindNone, closer: suspendCloser{scope: scope, suspended: suspended}}, nil
}

type beanManagedPolicy struct{}

func (beanManagedPolicy) open(_ context.Context, c *Coordinator, scope *Scope, _ Resource) (*Boundary, error) {
	suspended := scope.Suspend()
	ut := newUserTransaction(c.mgr)
	return &Boundary{
		kind:   core.TxKindNone,
		user:   ut,
		closer: userCloser{suspend: suspendCloser{scope: scope, suspended: suspended}, user: ut, logger: c.logger},
	}, nil
}

// Boundary is an open transaction boundary. Complete or Abort must be
// called exactly once; later calls are no-ops.
type Boundary struct {
	attr     core.TxAttribute
	kind     core.TxKind
	txn      *Transaction
	user     *UserTransaction
	enlisted bool
	closer   closer

	once    sync.Once
	outcome core.Outcome
	err     error
}

// Attribute returns the attribute the boundary was opened for.
func (b *Boundary) Attribute() core.TxAttribute { return b.attr }

// Kind is the delivery transaction kind reported to the caller.
func (b *Boundary) Kind() core.TxKind { return b.kind }

// Transaction returns the container-managed transaction, or nil.
func (b *Boundary) Transaction() *Transaction { return b.txn }

// UserTransaction returns the listener-demarcated transaction handle. It
// is nil unless the boundary is bean-managed.
func (b *Boundary) UserTransaction() *UserTransaction { return b.user }

// Enlisted reports whether the adapter resource was enlisted.
func (b *Boundary) Enlisted() bool { return b.enlisted }

// Transacted reports whether the delivery runs in a global transaction.
func (b *Boundary) Transacted() bool { return b.kind.Global() }

// Complete ends the boundary normally. An internal transaction commits
// unless it was marked rollback-only, in which case it rolls back and the
// outcome says so without an error.
func (b *Boundary) Complete(ctx context.Context) (core.Outcome, error) {
	b.once.Do(func() {
		b.outcome, b.err = b.closer.complete(ctx)
	})
	return b.outcome, b.err
}

// Abort ends the boundary after a failure or a skipped afterDelivery.
// Internal transactions roll back; imported ones are marked rollback-only.
func (b *Boundary) Abort(ctx context.Context) (core.Outcome, error) {
	b.once.Do(func() {
		b.outcome, b.err = b.closer.abort(ctx)
	})
	return b.outcome, b.err
}

type closer interface {
	complete(ctx context.Context) (core.Outcome, error)
	abort(ctx context.Context) (core.Outcome, error)
}

type internalCloser struct {
	txn *Transaction
}

func (c internalCloser) complete(ctx context.Context) (core.Outcome, error) {
	if c.txn.RollbackOnly() {
		return core.OutcomeRolledBack, c.txn.Rollback(ctx)
	}
	if err := c.txn.Commit(ctx); err != nil {
		return c.txn.Outcome(), err
	}
	return core.OutcomeCommitted, nil
}

func (c internalCloser) abort(ctx context.Context) (core.Outcome, error) {
	return core.OutcomeRolledBack, c.txn.Rollback(ctx)
}

type importedCloser struct {
	txn *Transaction
}

func (c importedCloser) complete(context.Context) (core.Outcome, error) {
	return core.OutcomePending, nil
}

func (c importedCloser) abort(context.Context) (core.Outcome, error) {
	return core.OutcomePending, c.txn.SetRollbackOnly()
}

type suspendCloser struct {
	scope     *Scope
	suspended *Transaction
}

func (c suspendCloser) complete(context.Context) (core.Outcome, error) {
	c.scope.Resume()
	return core.OutcomePending, nil
}

func (c suspendCloser) abort(ctx context.Context) (core.Outcome, error) {
	return c.complete(ctx)
}

type userCloser struct {
	suspend suspendCloser
	user    *UserTransaction
	logger  pslog.Logger
}

func (c userCloser) complete(ctx context.Context) (core.Outcome, error) {
	if txn := c.user.Active(); txn != nil {
		c.logger.Warn("txn.user.left_active", "xid", txn.Xid().String())
		_ = c.user.Rollback(ctx)
	}
	return c.suspend.complete(ctx)
}

func (c userCloser) abort(ctx context.Context) (core.Outcome, error) {
	return c.complete(ctx)
}
