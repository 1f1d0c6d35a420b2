// Package registry maps administrative endpoint names to their runtime
// state and gates delivery on the pause flag.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/endpoint"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

// Registration describes an endpoint at deployment time.
type Registration struct {
	Name      string
	AutoStart bool
	// Kind labels the listener implementation (for listing only).
	Kind    string
	Factory *endpoint.Factory
}

// Status is a consistent snapshot of one endpoint.
type Status struct {
	Name         string
	Kind         string
	Attribute    core.TxAttribute
	AutoStart    bool
	Paused       bool
	PausedAt     time.Time
	RegisteredAt time.Time
	Admitted     int64
	Refused      int64
	// InstancesCreated is the factory's instance count.
	InstancesCreated int64
}

// Entry is the runtime record of a registered endpoint.
type Entry struct {
	name         string
	kind         string
	autoStart    bool
	factory      *endpoint.Factory
	registeredAt time.Time

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
	admitted int64
	refused  int64
}

// Name returns the canonical endpoint name.
func (e *Entry) Name() string { return e.name }

// Factory returns the instance factory of the endpoint.
func (e *Entry) Factory() *endpoint.Factory { return e.factory }

func (e *Entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Name:         e.name,
		Kind:         e.kind,
		AutoStart:    e.autoStart,
		Paused:       e.paused,
		PausedAt:     e.pausedAt,
		RegisteredAt: e.registeredAt,
		Admitted:     e.admitted,
		Refused:      e.refused,
	}
	if e.factory != nil {
		st.Attribute = e.factory.Definition().Attribute
		st.InstancesCreated = e.factory.Created()
	}
	return st
}

// Config configures a Registry.
type Config struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// Registry holds every registered endpoint.
type Registry struct {
	logger  pslog.Logger
	clock   clock.Clock
	metrics *registryMetrics

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	logger := svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "registry")
	return &Registry{
		logger:  logger,
		clock:   clock.Ensure(cfg.Clock),
		metrics: newRegistryMetrics(logger),
		entries: make(map[string]*Entry),
	}
}

// Register adds an endpoint. Endpoints that do not auto-start begin paused.
func (r *Registry) Register(reg Registration) error {
	name, err := CanonicalName(reg.Name)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	entry := &Entry{
		name:         name,
		kind:         reg.Kind,
		autoStart:    reg.AutoStart,
		factory:      reg.Factory,
		registeredAt: now,
		paused:       !reg.AutoStart,
	}
	if entry.paused {
		entry.pausedAt = now
	}
	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return core.Failure{Code: core.CodeEndpointExists, Detail: name}
	}
	r.entries[name] = entry
	r.mu.Unlock()
	r.logger.Info("registry.endpoint.registered", "endpoint", name, "auto_start", reg.AutoStart, "kind", reg.Kind)
	return nil
}

// Unregister removes an endpoint. It reports whether the name was known.
func (r *Registry) Unregister(name string) bool {
	name = canonicalOrRaw(name)
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		r.logger.Info("registry.endpoint.unregistered", "endpoint", name)
	}
	return ok
}

// Pause stops delivery to name. Pausing a paused endpoint is a no-op.
func (r *Registry) Pause(ctx context.Context, name string) error {
	return r.setPaused(ctx, name, true)
}

// Resume allows delivery to name. Resuming an active endpoint is a no-op.
func (r *Registry) Resume(ctx context.Context, name string) error {
	return r.setPaused(ctx, name, false)
}

func (r *Registry) setPaused(ctx context.Context, name string, paused bool) error {
	entry, err := r.lookup(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	changed := entry.paused != paused
	entry.paused = paused
	if changed {
		if paused {
			entry.pausedAt = r.clock.Now()
		} else {
			entry.pausedAt = time.Time{}
		}
	}
	entry.mu.Unlock()
	if !changed {
		r.logger.Debug("registry.endpoint.unchanged", "endpoint", entry.name, "paused", paused)
		return nil
	}
	r.metrics.recordToggle(ctx, paused)
	if paused {
		r.logger.Info("registry.endpoint.paused", "endpoint", entry.name)
	} else {
		r.logger.Info("registry.endpoint.resumed", "endpoint", entry.name)
	}
	return nil
}

// IsPaused reports whether delivery to name is suspended.
func (r *Registry) IsPaused(name string) (bool, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.paused, nil
}

// Status returns a snapshot of name.
func (r *Registry) Status(name string) (Status, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return entry.status(), nil
}

// List enumerates every registered endpoint, paused or not, sorted by name.
func (r *Registry) List() []Status {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Admit is the delivery gate. It fails with endpoint_unavailable when the
// endpoint is unknown or paused; otherwise it returns the entry.
func (r *Registry) Admit(ctx context.Context, name string) (*Entry, error) {
	entry, err := r.lookup(name)
	if err != nil {
		r.metrics.recordAdmit(ctx, false)
		return nil, err
	}
	entry.mu.Lock()
	paused := entry.paused
	if paused {
		entry.refused++
	} else {
		entry.admitted++
	}
	entry.mu.Unlock()
	r.metrics.recordAdmit(ctx, !paused)
	if paused {
		return nil, core.EndpointUnavailable(entry.name, "is paused")
	}
	return entry, nil
}

func (r *Registry) lookup(name string) (*Entry, error) {
	key := canonicalOrRaw(name)
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, core.EndpointUnavailable(key, "is not registered")
	}
	return entry, nil
}

func canonicalOrRaw(name string) string {
	if c, err := CanonicalName(name); err == nil {
		return c
	}
	return name
}
