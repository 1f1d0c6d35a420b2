package endpointd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/endpoint"
)

// Aliases for embedding custom listeners through WithEndpoint.
type (
	// EndpointDefinition declares an endpoint's attribute and listener methods.
	EndpointDefinition = endpoint.Definition
	// ListenerMethod is one listener method of an EndpointDefinition.
	ListenerMethod = endpoint.Method
	// ListenerFunc handles one delivered payload.
	ListenerFunc = endpoint.HandlerFunc
	// ListenerContext is the per-invocation context handed to a ListenerFunc.
	ListenerContext = endpoint.Context
	// TxAttribute is the transaction attribute of an endpoint or method.
	TxAttribute = core.TxAttribute
)

// Transaction attributes accepted by EndpointDefinition.
const (
	TxRequired     = core.TxRequired
	TxNotSupported = core.TxNotSupported
	TxBeanManaged  = core.TxBeanManaged
)

// ListenerDefinition builds the endpoint definition for a config-declared
// endpoint backed by one of the built-in listener kinds.
func ListenerDefinition(cfg EndpointConfig) (endpoint.Definition, error) {
	attr, err := core.ParseTxAttribute(cfg.Attribute)
	if err != nil {
		return endpoint.Definition{}, err
	}
	var fn endpoint.HandlerFunc
	switch cfg.Kind {
	case ListenerLog, "":
		fn = logListener
	case ListenerDiscard:
		fn = discardListener
	case ListenerRollbackOnce:
		fn = rollbackOnceListener()
	default:
		return endpoint.Definition{}, fmt.Errorf("unknown listener kind %q", cfg.Kind)
	}
	def := endpoint.Definition{Attribute: attr, Methods: make(map[string]endpoint.Method)}
	for _, m := range cfg.MethodNames() {
		def.Methods[m] = endpoint.Method{Handler: fn}
	}
	return def, def.Validate()
}

func logListener(_ context.Context, lc *endpoint.Context, payload string) error {
	lc.Logger().Info("listener.message",
		"method", lc.Method(),
		"instance", lc.InstanceID(),
		"tx_kind", string(lc.TxKind()),
		"payload", payload,
	)
	return nil
}

func discardListener(context.Context, *endpoint.Context, string) error { return nil }

// rollbackOnceListener rolls back the first message the endpoint sees and
// commits every later one. Container-managed endpoints mark the delivery
// transaction rollback-only; bean-managed ones run a user transaction.
func rollbackOnceListener() endpoint.HandlerFunc {
	var fired atomic.Bool
	return func(ctx context.Context, lc *endpoint.Context, _ string) error {
		first := fired.CompareAndSwap(false, true)
		if ut, err := lc.UserTransaction(); err == nil {
			if err := ut.Begin(ctx); err != nil {
				return err
			}
			if first {
				lc.Logger().Info("listener.rollback_once.rolled_back", "instance", lc.InstanceID())
				return ut.Rollback(ctx)
			}
			return ut.Commit(ctx)
		}
		if !first {
			return nil
		}
		if err := lc.SetRollbackOnly(); err != nil {
			if errors.Is(err, core.ErrInvalidTxState) {
				lc.Logger().Debug("listener.rollback_once.no_transaction", "tx_kind", string(lc.TxKind()))
				return nil
			}
			return err
		}
		lc.Logger().Info("listener.rollback_once.marked", "instance", lc.InstanceID())
		return nil
	}
}
