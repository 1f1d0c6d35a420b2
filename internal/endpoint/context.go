package endpoint

import (
	"context"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/pslog"
)

// Context is what a listener method sees of its delivery.
type Context struct {
	deliveryID string
	endpoint   string
	instanceID string
	method     string
	boundary   *txncoord.Boundary
	logger     pslog.Logger
}

// DeliveryID identifies the delivery the invocation belongs to.
func (c *Context) DeliveryID() string { return c.deliveryID }

// Endpoint is the registered endpoint name.
func (c *Context) Endpoint() string { return c.endpoint }

// InstanceID identifies the endpoint instance executing the method.
func (c *Context) InstanceID() string { return c.instanceID }

// Method is the listener method being invoked.
func (c *Context) Method() string { return c.method }

// Logger returns a logger tagged with the delivery.
func (c *Context) Logger() pslog.Logger { return c.logger }

// TxKind reports the transaction context the listener runs in. Without a
// global transaction the listener runs in an unspecified local context.
func (c *Context) TxKind() core.TxKind {
	if txn := c.boundary.Transaction(); txn != nil {
		return txn.Kind()
	}
	if ut := c.boundary.UserTransaction(); ut != nil && ut.Active() != nil {
		return core.TxKindGlobalInternal
	}
	return core.TxKindLocal
}

// SetRollbackOnly marks the container-managed transaction so it rolls back.
func (c *Context) SetRollbackOnly() error {
	txn := c.boundary.Transaction()
	if txn == nil {
		return core.InvalidTxState("set rollback-only outside a container-managed transaction (%s)", c.boundary.Attribute())
	}
	return txn.SetRollbackOnly()
}

// RollbackOnly reports whether the container-managed transaction is marked.
func (c *Context) RollbackOnly() (bool, error) {
	txn := c.boundary.Transaction()
	if txn == nil {
		return false, core.InvalidTxState("rollback-only query outside a container-managed transaction (%s)", c.boundary.Attribute())
	}
	return txn.RollbackOnly(), nil
}

// UserTransaction returns the bean-managed transaction handle.
func (c *Context) UserTransaction() (*txncoord.UserTransaction, error) {
	ut := c.boundary.UserTransaction()
	if ut == nil {
		return nil, core.InvalidTxState("user transaction requested by a %s method", c.boundary.Attribute())
	}
	return ut, nil
}

// Enlist adds a listener-owned resource to the active global transaction.
func (c *Context) Enlist(ctx context.Context, res txncoord.Resource) error {
	if txn := c.boundary.Transaction(); txn != nil {
		return txn.Enlist(ctx, res)
	}
	if ut := c.boundary.UserTransaction(); ut != nil {
		if txn := ut.Active(); txn != nil {
			return txn.Enlist(ctx, res)
		}
	}
	return core.InvalidTxState("enlist without an active global transaction")
}
