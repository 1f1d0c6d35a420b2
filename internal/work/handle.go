package work

import (
	"sync"
	"time"

	"pkt.systems/endpointd/internal/txncoord"
)

type job struct {
	req        Request
	handle     *Handle
	acceptedAt time.Time
	txn        *txncoord.Transaction
}

func newJob(req Request) *job {
	return &job{req: req, handle: &Handle{
		id:      req.ID,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}}
}

// Handle tracks a submitted work after Submit returns.
type Handle struct {
	id      string
	started chan struct{}
	done    chan struct{}

	once     sync.Once
	mu       sync.Mutex
	err      error
	rejected bool
}

// ID returns the work id.
func (h *Handle) ID() string { return h.id }

// Started is closed when the work starts running.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Done is closed when the work completed or was rejected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the work's error once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Rejected reports whether the work was rejected instead of run.
func (h *Handle) Rejected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejected
}

func (h *Handle) finish(err error, rejected bool) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.rejected = rejected
		h.mu.Unlock()
		close(h.done)
	})
}
