package endpoint

import (
	"sync"
	"sync/atomic"

	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/pslog"
)

// Factory creates instances of one registered endpoint and keeps count of
// the ones that have not been released.
type Factory struct {
	name   string
	def    Definition
	coord  *txncoord.Coordinator
	logger pslog.Logger

	created atomic.Int64

	mu   sync.Mutex
	live map[*Instance]struct{}
}

// NewFactory validates def and returns a factory for endpoint name.
func NewFactory(name string, def Definition, coord *txncoord.Coordinator, logger pslog.Logger) (*Factory, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &Factory{
		name:   name,
		def:    def,
		coord:  coord,
		logger: svcfields.WithSubsystem(svcfields.Ensure(logger), "endpoint.instance"),
		live:   make(map[*Instance]struct{}),
	}, nil
}

// Name returns the endpoint name the factory serves.
func (f *Factory) Name() string { return f.name }

// Definition returns the listener definition.
func (f *Factory) Definition() Definition { return f.def }

// CreateOptions carry the per-delivery inputs of a new instance.
type CreateOptions struct {
	InstanceID string
	DeliveryID string
	Scope      *txncoord.Scope
	Resource   txncoord.Resource
}

// Create returns a fresh idle instance.
func (f *Factory) Create(opts CreateOptions) *Instance {
	f.created.Add(1)
	scope := opts.Scope
	if scope == nil {
		scope = txncoord.NewScope(nil)
	}
	in := &Instance{
		id:         opts.InstanceID,
		endpoint:   f.name,
		deliveryID: opts.DeliveryID,
		def:        f.def,
		coord:      f.coord,
		scope:      scope,
		res:        opts.Resource,
		logger:     svcfields.WithDelivery(f.logger, opts.DeliveryID, f.name).With("instance", opts.InstanceID),
		onRelease:  f.released,
	}
	f.mu.Lock()
	f.live[in] = struct{}{}
	f.mu.Unlock()
	return in
}

// Live reports how many instances are not yet released.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Created reports how many instances the factory has produced.
func (f *Factory) Created() int64 { return f.created.Load() }

func (f *Factory) released(in *Instance) {
	f.mu.Lock()
	delete(f.live, in)
	f.mu.Unlock()
}
