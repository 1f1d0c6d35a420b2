// Package delivery accepts delivery requests, gates them on the endpoint
// registry, and runs each request's script of protocol calls against
// endpoint instances on the work pool.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/endpoint"
	"pkt.systems/endpointd/internal/ids"
	"pkt.systems/endpointd/internal/registry"
	"pkt.systems/endpointd/internal/results"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/endpointd/internal/work"
	"pkt.systems/pslog"
)

// Config wires a Dispatcher.
type Config struct {
	Registry     *registry.Registry
	Transactions *txncoord.Manager
	Work         *work.Manager
	Results      *results.Store
	Logger       pslog.Logger
	Clock        clock.Clock
}

// Dispatcher runs delivery requests.
type Dispatcher struct {
	registry   *registry.Registry
	txns       *txncoord.Manager
	work       *work.Manager
	results    *results.Store
	logger     pslog.Logger
	clock      clock.Clock
	tracer     trace.Tracer
	metrics    *deliveryMetrics
	xids       *xidBook
	terminator *trackingTerminator

	sharedMu sync.Mutex
	shared   map[string]*sharedInstance
}

type sharedInstance struct {
	instance *endpoint.Instance
	owner    string
}

// Receipt identifies an accepted delivery.
type Receipt struct {
	DeliveryID string
	Handle     *work.Handle
}

// New validates cfg and constructs a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("delivery: registry required")
	}
	if cfg.Transactions == nil {
		return nil, errors.New("delivery: transaction manager required")
	}
	if cfg.Work == nil {
		return nil, errors.New("delivery: work manager required")
	}
	store := cfg.Results
	if store == nil {
		store = results.NewStore(0)
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "delivery.dispatch")
	book := newXidBook()
	return &Dispatcher{
		registry: cfg.Registry,
		txns:     cfg.Transactions,
		work:     cfg.Work,
		results:  store,
		logger:   logger,
		clock:    clock.Ensure(cfg.Clock),
		tracer:   otel.Tracer("pkt.systems/endpointd/delivery"),
		metrics:  newDeliveryMetrics(logger),
		xids:     book,
		terminator: &trackingTerminator{
			inner:  cfg.Transactions.Terminator(),
			mgr:    cfg.Transactions,
			book:   book,
			logger: logger,
		},
		shared: make(map[string]*sharedInstance),
	}, nil
}

// Terminator returns the terminator external owners use to complete
// imported transactions. It keeps the active and in-doubt sets current.
func (d *Dispatcher) Terminator() txncoord.Terminator { return d.terminator }

// Deliver gates req on the registry and submits it to the work pool. A
// paused or unknown endpoint fails before any work is done and leaves no
// result record. In DoWork and NoWork modes the returned error is the
// delivery's own failure.
func (d *Dispatcher) Deliver(ctx context.Context, req Request) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	entry, err := d.registry.Admit(ctx, req.Endpoint)
	if err != nil {
		d.metrics.recordRefused(ctx)
		d.logger.Debug("delivery.refused", "endpoint", req.Endpoint, "error", err)
		return Receipt{}, err
	}
	if req.DeliveryID == "" {
		req.DeliveryID = ids.NewDeliveryID()
	}
	logger := svcfields.WithDelivery(d.logger, req.DeliveryID, entry.Name())
	var xid *txncoord.Xid
	if req.Xid != nil && req.Xid.Valid() {
		x := *req.Xid
		xid = &x
		if dup := d.xids.add(x); dup {
			logger.Debug("delivery.xid.duplicate", "xid", x.String())
		}
	}
	handle, err := d.work.Submit(ctx, work.Request{
		ID:           req.DeliveryID,
		Mode:         req.Mode,
		Listener:     req.Listener,
		StartTimeout: req.StartTimeout,
		WaitTimeout:  req.WaitTimeout,
		Xid:          xid,
		Run: func(runCtx context.Context) error {
			return d.execute(runCtx, entry, req, logger)
		},
	})
	receipt := Receipt{DeliveryID: req.DeliveryID, Handle: handle}
	if err != nil {
		if xid != nil && d.terminator.finished(*xid) {
			d.xids.completed(*xid)
		}
		if handle != nil && handle.Rejected() {
			logger.Info("delivery.rejected", "error", err)
		}
		return receipt, err
	}
	logger.Trace("delivery.accepted", "mode", req.Mode.String(), "steps", len(req.Steps))
	return receipt, nil
}

// DeliverConcurrent submits every request on its own goroutine and waits
// for all of them. It returns the receipts in request order and the first
// failure.
func (d *Dispatcher) DeliverConcurrent(ctx context.Context, reqs []Request) ([]Receipt, error) {
	return deliverAll(ctx, d, reqs)
}

// TestResult returns the observation record of a delivery.
func (d *Dispatcher) TestResult(deliveryID string) (results.Record, bool) {
	return d.results.Get(deliveryID)
}

// ReleaseDeliveryID drops the observation record of a delivery.
func (d *Dispatcher) ReleaseDeliveryID(deliveryID string) bool {
	return d.results.Release(deliveryID)
}

type scriptRun struct {
	d       *Dispatcher
	entry   *registry.Entry
	req     Request
	scope   *txncoord.Scope
	tracker *txncoord.Tracker
	logger  pslog.Logger

	instances map[string]*endpoint.Instance
	order     []string
	claimed   []string
}

func (d *Dispatcher) execute(ctx context.Context, entry *registry.Entry, req Request, logger pslog.Logger) error {
	ctx, span := d.tracer.Start(ctx, "endpointd.delivery", trace.WithAttributes(
		attribute.String("endpointd.delivery_id", req.DeliveryID),
		attribute.String("endpointd.endpoint", entry.Name()),
		attribute.Int("endpointd.steps", len(req.Steps)),
	))
	defer span.End()
	start := d.clock.Now()

	run := &scriptRun{
		d:         d,
		entry:     entry,
		req:       req,
		scope:     txncoord.NewScope(work.TransactionFrom(ctx)),
		logger:    logger,
		instances: make(map[string]*endpoint.Instance),
	}
	switch {
	case req.Resource != nil:
		run.tracker = txncoord.Track(req.Resource)
	case req.WithResource:
		run.tracker = txncoord.NewTrackingResource()
	}

	rec := results.Record{
		DeliveryID: req.DeliveryID,
		Endpoint:   entry.Name(),
		StartedAt:  start,
	}
	if req.Xid != nil && req.Xid.Valid() {
		rec.Xid = req.Xid.String()
	}

	var firstViolation, failure error
	for i, step := range req.Steps {
		err := run.step(ctx, step)
		if err == nil {
			continue
		}
		if errors.Is(err, core.ErrProtocolViolation) {
			rec.IllegalStateCaught = true
			if firstViolation == nil {
				firstViolation = err
			}
			logger.Debug("delivery.step.violation", "step", i, "kind", step.Kind.String(), "instance", step.Instance, "error", err)
			continue
		}
		failure = fmt.Errorf("step %d (%s on %s): %w", i, step.Kind, instanceID(step), err)
		if errors.Is(err, core.ErrListenerFailure) {
			rec.ListenerError = err.Error()
		}
		logger.Debug("delivery.step.failed", "step", i, "kind", step.Kind.String(), "instance", step.Instance, "error", err)
		break
	}
	run.finish(ctx, &rec)
	rec.CompletedAt = d.clock.Now()
	d.results.Put(rec)

	result := "ok"
	err := failure
	if err == nil {
		err = firstViolation
	}
	switch {
	case failure != nil:
		result = core.CodeOf(failure)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	case firstViolation != nil:
		result = core.CodeProtocolViolation
		span.SetStatus(codes.Error, firstViolation.Error())
	}
	span.SetAttributes(
		attribute.Int("endpointd.messages_delivered", rec.MessagesDelivered),
		attribute.Bool("endpointd.transacted", rec.DeliveryTransacted),
	)
	d.metrics.recordDelivery(ctx, entry.Name(), result, rec.MessagesDelivered, d.clock.Since(start))
	logger.Debug("delivery.completed",
		"messages", rec.MessagesDelivered,
		"transacted", rec.DeliveryTransacted,
		"enlisted", rec.ResourceEnlisted,
		"commit_driven", rec.CommitDriven,
		"rollback_driven", rec.RollbackDriven,
		"illegal_state", rec.IllegalStateCaught,
		"result", result,
	)
	return err
}

func instanceID(s Step) string {
	if s.Instance == "" {
		return DefaultInstance
	}
	return s.Instance
}

func (r *scriptRun) step(ctx context.Context, s Step) error {
	in, err := r.instance(ctx, instanceID(s))
	if err != nil {
		return err
	}
	switch s.Kind {
	case StepBeforeDelivery:
		return in.BeforeDelivery(ctx, s.Method)
	case StepInvoke:
		return in.Invoke(ctx, s.Method, s.Payload)
	case StepAfterDelivery:
		return in.AfterDelivery(ctx)
	case StepRelease:
		return in.Release(ctx)
	}
	return fmt.Errorf("delivery: unknown step kind %d", int(s.Kind))
}

func (r *scriptRun) createOptions(id string) endpoint.CreateOptions {
	opts := endpoint.CreateOptions{
		InstanceID: id,
		DeliveryID: r.req.DeliveryID,
		Scope:      r.scope,
	}
	if r.tracker != nil {
		opts.Resource = r.tracker
	}
	return opts
}

// instance returns the instance addressed by id, creating it on first use.
func (r *scriptRun) instance(ctx context.Context, id string) (*endpoint.Instance, error) {
	if in, ok := r.instances[id]; ok {
		return in, nil
	}
	var in *endpoint.Instance
	if r.req.Shared {
		claimed, err := r.d.claimShared(ctx, r.entry, id, r.createOptions(id))
		if err != nil {
			return nil, err
		}
		r.claimed = append(r.claimed, id)
		in = claimed
	} else {
		in = r.entry.Factory().Create(r.createOptions(id))
	}
	r.instances[id] = in
	r.order = append(r.order, id)
	return in, nil
}

// finish releases instances the script left behind and fills rec.
func (r *scriptRun) finish(ctx context.Context, rec *results.Record) {
	for _, id := range r.order {
		in := r.instances[id]
		keep := r.req.Shared && in.State() == endpoint.StateIdle
		if !keep && in.State() != endpoint.StateReleased {
			if err := in.Release(ctx); err != nil {
				r.logger.Warn("delivery.release.implicit_failed", "instance", id, "error", err)
			}
		}
		st := in.Stats()
		rec.MessagesDelivered += st.MessagesDelivered
		rec.OptionAUsed = rec.OptionAUsed || st.OptionAUsed
		rec.OptionBUsed = rec.OptionBUsed || st.OptionBUsed
		rec.DeliveryTransacted = rec.DeliveryTransacted || st.Transacted
		rec.LocalTransactionContext = rec.LocalTransactionContext || st.LocalContext
		if st.Violations > 0 {
			rec.IllegalStateCaught = true
		}
		rec.Instances = append(rec.Instances, results.InstanceResult{
			ID:                id,
			MessagesDelivered: st.MessagesDelivered,
			OptionAUsed:       st.OptionAUsed,
			OptionBUsed:       st.OptionBUsed,
			Transacted:        st.Transacted,
			Committed:         st.Committed,
			RolledBack:        st.RolledBack,
			Violations:        st.Violations,
		})
	}
	r.d.unclaimShared(r.entry, r.claimed)
	if r.tracker != nil {
		state := r.tracker.State()
		rec.ResourceEnlisted = state.Enlisted
		rec.CommitDriven = state.CommitDriven
		rec.RollbackDriven = state.RollbackDriven
	}
}

func sharedKey(endpointName, id string) string {
	return endpointName + "/" + id
}

// claimShared hands the shared instance id to deliveryID for the rest of
// its script. An instance owned by another delivery is in use and the
// claim fails with concurrent_use.
func (d *Dispatcher) claimShared(ctx context.Context, entry *registry.Entry, id string, opts endpoint.CreateOptions) (*endpoint.Instance, error) {
	key := sharedKey(entry.Name(), id)
	d.sharedMu.Lock()
	defer d.sharedMu.Unlock()
	si, ok := d.shared[key]
	if ok && si.instance.State() == endpoint.StateReleased {
		delete(d.shared, key)
		ok = false
	}
	if !ok {
		in := entry.Factory().Create(opts)
		d.shared[key] = &sharedInstance{instance: in, owner: opts.DeliveryID}
		return in, nil
	}
	if si.owner != "" {
		return nil, core.ConcurrentUse("instance %s of %s is in use by delivery %s", id, entry.Name(), si.owner)
	}
	if err := si.instance.Rebind(ctx, opts); err != nil {
		return nil, err
	}
	si.owner = opts.DeliveryID
	return si.instance, nil
}

func (d *Dispatcher) unclaimShared(entry *registry.Entry, ids []string) {
	if len(ids) == 0 {
		return
	}
	d.sharedMu.Lock()
	defer d.sharedMu.Unlock()
	for _, id := range ids {
		key := sharedKey(entry.Name(), id)
		si, ok := d.shared[key]
		if !ok {
			continue
		}
		if si.instance.State() == endpoint.StateReleased {
			delete(d.shared, key)
			continue
		}
		si.owner = ""
	}
}

// SharedInstances reports how many shared instances are kept alive.
func (d *Dispatcher) SharedInstances() int {
	d.sharedMu.Lock()
	defer d.sharedMu.Unlock()
	return len(d.shared)
}
