// Package endpoint implements endpoint instances: the proxies through which
// an adapter delivers messages to a listener, and the state machine that
// enforces the Option A and Option B delivery protocols on them.
package endpoint

import (
	"context"
	"fmt"
	"sync/atomic"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/pslog"
)

// State is the protocol state of an instance.
type State int32

const (
	// StateIdle accepts beforeDelivery (Option B) or a direct invocation (Option A).
	StateIdle State = iota
	// StateBound follows beforeDelivery; the bound method is awaited.
	StateBound
	// StateInMethod means a goroutine is executing on the instance.
	StateInMethod
	// StateDelivered follows an Option B invocation; afterDelivery is awaited.
	StateDelivered
	// StatePoisoned follows a protocol violation; only release is useful.
	StatePoisoned
	// StateReleased is terminal.
	StateReleased
	// stateBusy guards short demarcation transitions.
	stateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateInMethod, stateBusy:
		return "in_method"
	case StateDelivered:
		return "delivered"
	case StatePoisoned:
		return "poisoned"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats summarises what happened on an instance.
type Stats struct {
	MessagesDelivered int
	OptionAUsed       bool
	OptionBUsed       bool
	// Transacted is true when any delivery ran in a global transaction.
	Transacted bool
	// LocalContext is true when a listener observed an unspecified local
	// transaction context.
	LocalContext bool
	Committed    int
	RolledBack   int
	Violations   int
	LastOutcome  core.Outcome
}

// Instance is one endpoint proxy. Calls on an instance are sequenced by
// the state machine; a call that finds another goroutine executing on it
// fails with concurrent_use and leaves the running delivery untouched.
type Instance struct {
	id         string
	endpoint   string
	deliveryID string
	def        Definition
	coord      *txncoord.Coordinator
	scope      *txncoord.Scope
	res        txncoord.Resource
	logger     pslog.Logger
	onRelease  func(*Instance)

	state      atomic.Int32
	violations atomic.Int32
	// txOpen mirrors boundary.Transacted while a boundary is open;
	// everTx mirrors stats.Transacted. Both are read without ownership.
	txOpen atomic.Bool
	everTx atomic.Bool

	// Owned by whichever goroutine won the transition into a busy state.
	bound    string
	boundary *txncoord.Boundary
	stats    Stats
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// State returns the current protocol state.
func (in *Instance) State() State { return State(in.state.Load()) }

// Stats returns a snapshot of the delivery statistics. It is only
// consistent while no call is in progress on the instance.
func (in *Instance) Stats() Stats {
	stats := in.stats
	stats.Violations = int(in.violations.Load())
	return stats
}

// Transacted reports whether the instance currently has a global
// transaction open (isDeliveryTransacted).
// Safe to call while another goroutine owns the instance.
func (in *Instance) Transacted() bool {
	switch in.State() {
	case StateBound, StateDelivered:
		return in.txOpen.Load()
	}
	return in.everTx.Load()
}

func (in *Instance) noteTransacted(b *txncoord.Boundary) {
	if b.Transacted() {
		in.stats.Transacted = true
		in.everTx.Store(true)
	}
}

// Rebind hands an idle instance to a new delivery: it takes over the
// delivery id, transaction scope and adapter resource, and starts with
// fresh statistics.
func (in *Instance) Rebind(ctx context.Context, opts CreateOptions) error {
	if _, err := in.acquire(ctx, StateIdle, "rebind"); err != nil {
		return err
	}
	in.deliveryID = opts.DeliveryID
	in.scope = opts.Scope
	if in.scope == nil {
		in.scope = txncoord.NewScope(nil)
	}
	in.res = opts.Resource
	in.stats = Stats{}
	in.everTx.Store(false)
	in.violations.Store(0)
	in.state.Store(int32(StateIdle))
	return nil
}

// BeforeDelivery binds the next invocation to method and opens the
// delivery transaction boundary (Option B).
func (in *Instance) BeforeDelivery(ctx context.Context, method string) error {
	prev, err := in.acquire(ctx, StateIdle, "beforeDelivery")
	if err != nil {
		return err
	}
	if _, ok := in.def.Methods[method]; !ok {
		return in.poisonFrom(ctx, prev, core.ProtocolViolation("beforeDelivery names unknown method %q", method))
	}
	in.stats.OptionBUsed = true
	b, err := in.coord.Open(ctx, in.def.AttributeFor(method), in.scope, in.res)
	if err != nil {
		in.state.Store(int32(StateIdle))
		return err
	}
	in.bound = method
	in.boundary = b
	in.txOpen.Store(b.Transacted())
	in.noteTransacted(b)
	in.logger.Trace("endpoint.before_delivery", "method", method, "tx_kind", string(b.Kind()))
	in.state.Store(int32(StateBound))
	return nil
}

// Invoke runs a listener method. From Idle it performs a complete Option A
// delivery with its own transaction boundary; from Bound it must name the
// bound method.
func (in *Instance) Invoke(ctx context.Context, method string, payload string) error {
	for {
		cur := in.State()
		switch cur {
		case StateIdle:
			if !in.state.CompareAndSwap(int32(StateIdle), int32(StateInMethod)) {
				continue
			}
			return in.invokeOptionA(ctx, method, payload)
		case StateBound:
			if !in.state.CompareAndSwap(int32(StateBound), int32(StateInMethod)) {
				continue
			}
			return in.invokeOptionB(ctx, method, payload)
		default:
			_, err := in.reject(ctx, cur, "invoke "+method)
			if err != nil {
				return err
			}
		}
	}
}

func (in *Instance) invokeOptionA(ctx context.Context, method, payload string) error {
	m, ok := in.def.Methods[method]
	if !ok {
		return in.poisonFrom(ctx, StateIdle, core.ProtocolViolation("invoke of unknown method %q", method))
	}
	in.stats.OptionAUsed = true
	b, err := in.coord.Open(ctx, in.def.AttributeFor(method), in.scope, in.res)
	if err != nil {
		in.state.Store(int32(StateIdle))
		return err
	}
	in.noteTransacted(b)
	callErr := in.call(ctx, m, method, payload, b)
	var outcome core.Outcome
	if callErr != nil {
		outcome, _ = b.Abort(ctx)
	} else {
		outcome, callErr = b.Complete(ctx)
	}
	in.recordOutcome(outcome)
	in.state.Store(int32(StateIdle))
	return callErr
}

func (in *Instance) invokeOptionB(ctx context.Context, method, payload string) error {
	if method != in.bound {
		return in.poisonFrom(ctx, StateBound, core.ProtocolViolation("invoke of %q while %q is bound by beforeDelivery", method, in.bound))
	}
	callErr := in.call(ctx, in.def.Methods[method], method, payload, in.boundary)
	if callErr != nil {
		// afterDelivery or release records the outcome.
		_, _ = in.boundary.Abort(ctx)
	}
	in.state.Store(int32(StateDelivered))
	return callErr
}

func (in *Instance) call(ctx context.Context, m Method, method, payload string, b *txncoord.Boundary) error {
	lc := &Context{
		deliveryID: in.deliveryID,
		endpoint:   in.endpoint,
		instanceID: in.id,
		method:     method,
		boundary:   b,
		logger:     in.logger.With("method", method),
	}
	if lc.TxKind() == core.TxKindLocal {
		in.stats.LocalContext = true
	}
	err := invokeHandler(ctx, m.Handler, lc, payload)
	in.stats.MessagesDelivered++
	if err != nil {
		in.logger.Debug("endpoint.listener.failed", "method", method, "error", err)
		return core.ListenerFailure(method, err)
	}
	return nil
}

func invokeHandler(ctx context.Context, fn HandlerFunc, lc *Context, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, lc, payload)
}

// AfterDelivery completes the Option B delivery and its transaction.
func (in *Instance) AfterDelivery(ctx context.Context) error {
	if _, err := in.acquire(ctx, StateDelivered, "afterDelivery"); err != nil {
		return err
	}
	outcome, err := in.boundary.Complete(ctx)
	in.recordOutcome(outcome)
	in.logger.Trace("endpoint.after_delivery", "method", in.bound, "outcome", string(outcome), "error", err)
	in.bound = ""
	in.boundary = nil
	in.txOpen.Store(false)
	in.state.Store(int32(StateIdle))
	return err
}

// Release retires the instance. A delivery left without afterDelivery is
// rolled back silently. Any call after release is a protocol violation.
func (in *Instance) Release(ctx context.Context) error {
	for {
		cur := in.State()
		switch cur {
		case StateIdle, StatePoisoned:
			if !in.state.CompareAndSwap(int32(cur), int32(StateReleased)) {
				continue
			}
		case StateBound, StateDelivered:
			if !in.state.CompareAndSwap(int32(cur), int32(stateBusy)) {
				continue
			}
			outcome, err := in.boundary.Abort(ctx)
			in.recordOutcome(outcome)
			if err != nil {
				in.logger.Warn("endpoint.release.rollback_failed", "error", err)
			}
			in.logger.Debug("endpoint.release.rolled_back", "method", in.bound, "state", cur.String())
			in.boundary = nil
			in.txOpen.Store(false)
			in.state.Store(int32(StateReleased))
		case StateReleased:
			in.violations.Add(1)
			return core.ProtocolViolation("release of a released instance")
		default:
			return core.ConcurrentUse("release of instance %s while a method is executing", in.id)
		}
		in.logger.Trace("endpoint.released", "from", cur.String())
		if in.onRelease != nil {
			in.onRelease(in)
		}
		return nil
	}
}

// acquire moves the instance from want to busy. Any other state is
// rejected: concurrent use when executing, a protocol violation otherwise.
func (in *Instance) acquire(ctx context.Context, want State, op string) (State, error) {
	for {
		cur := in.State()
		if cur == want {
			if in.state.CompareAndSwap(int32(want), int32(stateBusy)) {
				return cur, nil
			}
			continue
		}
		if _, err := in.reject(ctx, cur, op); err != nil {
			return cur, err
		}
	}
}

// reject returns the failure for op in state cur. A nil error asks the
// caller to retry because the state moved underneath it.
func (in *Instance) reject(ctx context.Context, cur State, op string) (State, error) {
	switch cur {
	case StateInMethod, stateBusy:
		return cur, core.ConcurrentUse("%s on instance %s while a method is executing", op, in.id)
	case StateReleased:
		in.violations.Add(1)
		return cur, core.ProtocolViolation("%s on released instance %s", op, in.id)
	case StatePoisoned:
		in.violations.Add(1)
		return cur, core.ProtocolViolation("%s on poisoned instance %s", op, in.id)
	}
	if !in.state.CompareAndSwap(int32(cur), int32(stateBusy)) {
		return cur, nil
	}
	return cur, in.poisonFrom(ctx, cur, core.ProtocolViolation("%s not allowed in state %s", op, cur))
}

// poisonFrom aborts any open boundary and leaves the instance poisoned.
// The caller must own the instance (busy state).
func (in *Instance) poisonFrom(ctx context.Context, from State, violation error) error {
	in.violations.Add(1)
	if in.boundary != nil {
		outcome, err := in.boundary.Abort(ctx)
		in.recordOutcome(outcome)
		if err != nil {
			in.logger.Warn("endpoint.poison.rollback_failed", "error", err)
		}
		in.boundary = nil
		in.txOpen.Store(false)
	}
	in.bound = ""
	in.logger.Debug("endpoint.protocol_violation", "from", from.String(), "error", violation)
	in.state.Store(int32(StatePoisoned))
	return violation
}

func (in *Instance) recordOutcome(outcome core.Outcome) {
	switch outcome {
	case core.OutcomeCommitted:
		in.stats.Committed++
	case core.OutcomeRolledBack:
		in.stats.RolledBack++
	default:
		return
	}
	in.stats.LastOutcome = outcome
}
