package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/ids"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers = 8
	// DefaultQueueDepth bounds the number of accepted, unstarted works.
	DefaultQueueDepth = 256
)

// Config configures a Manager.
type Config struct {
	Workers    int
	QueueDepth int
	Logger     pslog.Logger
	Clock      clock.Clock
	Importer   Importer
}

// Manager owns the worker pool.
type Manager struct {
	workers  int
	queue    chan *job
	clock    clock.Clock
	importer Importer
	logger   pslog.Logger
	metrics  *workMetrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager constructs a stopped pool.
func NewManager(cfg Config) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "work.manager")
	return &Manager{
		workers:  workers,
		queue:    make(chan *job, depth),
		clock:    clock.Ensure(cfg.Clock),
		importer: cfg.Importer,
		logger:   logger,
		metrics:  newWorkMetrics(logger),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.logger.Info("work.pool.starting", "workers", m.workers, "queue_depth", cap(m.queue))
	for range m.workers {
		m.wg.Add(1)
		go m.loop(m.stopCh)
	}
	return nil
}

// Stop signals the workers and waits for in-flight works to finish or
// for ctx to end. Queued works that never started are rejected before
// Stop waits, so their submitters are released even when ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	rejected := m.drain()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("work.pool.stop_timeout", "rejected", rejected, "error", ctx.Err())
		return ctx.Err()
	}
	m.logger.Info("work.pool.stopped", "rejected", rejected)
	return nil
}

// drain rejects every queued work. enqueue refuses new works once running
// is false, so the queue only shrinks while drain runs.
func (m *Manager) drain() int {
	n := 0
	for {
		select {
		case j := <-m.queue:
			m.reject(j, errStopped)
			n++
		default:
			return n
		}
	}
}

var errStopped = core.Failure{Code: core.CodeWorkRejected, Detail: "work manager stopped"}

// Submit hands req to the pool and blocks according to its mode.
func (m *Manager) Submit(ctx context.Context, req Request) (*Handle, error) {
	if req.Run == nil {
		return nil, fmt.Errorf("work: request without a function")
	}
	if req.ID == "" {
		req.ID = ids.NewRequestID()
	}
	j := newJob(req)
	if err := m.attach(ctx, j); err != nil {
		m.reject(j, err)
		return j.handle, err
	}
	if req.Mode == ModeNoWork {
		m.emit(j, Event{Type: EventAccepted})
		m.run(ctx, j)
		return j.handle, j.handle.Err()
	}

	// Accepted precedes Started; a full queue turns it into Rejected.
	m.emit(j, Event{Type: EventAccepted})
	if err := m.enqueue(j); err != nil {
		m.reject(j, err)
		return j.handle, err
	}
	return j.handle, m.wait(j)
}

func (m *Manager) enqueue(j *job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return core.Failure{Code: core.CodeWorkRejected, Detail: "work manager not running"}
	}
	j.acceptedAt = m.clock.Now()
	select {
	case m.queue <- j:
		return nil
	default:
		return core.Failure{Code: core.CodeWorkRejected, Detail: "work queue full"}
	}
}

func (m *Manager) wait(j *job) error {
	var target <-chan struct{}
	switch j.req.waitFor() {
	case EventAccepted:
		return nil
	case EventStarted:
		target = j.handle.started
	default:
		target = j.handle.done
	}
	var timeout <-chan time.Time
	if j.req.WaitTimeout > 0 {
		timeout = m.clock.After(j.req.WaitTimeout)
	}
	select {
	case <-target:
	case <-j.handle.done:
	case <-timeout:
		m.logger.Debug("work.wait.timeout", "work_id", j.req.ID, "wait_for", j.req.waitFor().String())
		return core.Failure{
			Code:   core.CodeWaitTimeout,
			Detail: fmt.Sprintf("work %s did not reach %s within %s", j.req.ID, j.req.waitFor(), j.req.WaitTimeout),
		}
	}
	if j.handle.Rejected() || j.req.waitFor() == EventCompleted {
		return j.handle.Err()
	}
	return nil
}

func (m *Manager) loop(stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case j := <-m.queue:
			stopped := false
			select {
			case <-stopCh:
				stopped = true
			default:
			}
			if stopped && !m.isRunning() {
				m.reject(j, errStopped)
				return
			}
			if j.req.StartTimeout > 0 && m.clock.Since(j.acceptedAt) > j.req.StartTimeout {
				m.reject(j, core.Failure{
					Code:   core.CodeWorkRejected,
					Detail: fmt.Sprintf("work %s not started within %s", j.req.ID, j.req.StartTimeout),
				})
				continue
			}
			m.run(context.Background(), j)
			if stopped {
				return
			}
		}
	}
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(ctx context.Context, j *job) {
	m.metrics.inFlight(ctx, 1)
	defer m.metrics.inFlight(ctx, -1)
	start := m.clock.Now()
	m.emit(j, Event{Type: EventStarted})
	close(j.handle.started)

	runCtx := withTransaction(ctx, j.txn)
	err := invoke(runCtx, j.req.Run)
	if j.txn != nil && m.importer != nil {
		m.importer.Detach(j.txn)
	}
	m.metrics.recordDuration(ctx, m.clock.Since(start), err)
	m.emit(j, Event{Type: EventCompleted, Err: err})
	j.handle.finish(err, false)
}

func invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (m *Manager) attach(ctx context.Context, j *job) error {
	if j.req.Xid == nil || !j.req.Xid.Valid() {
		return nil
	}
	if m.importer == nil {
		return core.Failure{Code: core.CodeWorkRejected, Detail: "imported transactions are not supported"}
	}
	txn, err := m.importer.Import(ctx, *j.req.Xid)
	if err != nil {
		return core.Failure{Code: core.CodeWorkRejected, Detail: "transaction import failed", Err: err}
	}
	j.txn = txn
	return nil
}

func (m *Manager) reject(j *job, err error) {
	if j.txn != nil && m.importer != nil {
		m.importer.Detach(j.txn)
	}
	m.logger.Debug("work.rejected", "work_id", j.req.ID, "error", err)
	m.emit(j, Event{Type: EventRejected, Err: err})
	j.handle.finish(err, true)
}

func (m *Manager) emit(j *job, ev Event) {
	ev.WorkID = j.req.ID
	ev.At = m.clock.Now()
	m.metrics.recordEvent(context.Background(), ev.Type)
	if j.req.Listener != nil {
		j.req.Listener.WorkEvent(ev)
	}
}
