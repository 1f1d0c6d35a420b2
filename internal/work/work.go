// Package work runs deliveries on a bounded worker pool and reports the
// accepted, rejected, started and completed lifecycle of each submission.
package work

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/endpointd/internal/txncoord"
)

// Mode selects how long Submit blocks.
type Mode int

const (
	// ModeNoWork runs the work inline on the submitting goroutine.
	ModeNoWork Mode = iota
	// ModeDoWork blocks until the work completes.
	ModeDoWork
	// ModeStartWork blocks until the work starts.
	ModeStartWork
	// ModeScheduleWork blocks until the work is accepted.
	ModeScheduleWork
)

func (m Mode) String() string {
	switch m {
	case ModeNoWork:
		return "nowork"
	case ModeDoWork:
		return "dowork"
	case ModeStartWork:
		return "startwork"
	case ModeScheduleWork:
		return "schedulework"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the String forms, case-sensitively.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "nowork", "inline":
		return ModeNoWork, nil
	case "dowork", "", "wait":
		return ModeDoWork, nil
	case "startwork", "start":
		return ModeStartWork, nil
	case "schedulework", "schedule":
		return ModeScheduleWork, nil
	}
	return 0, fmt.Errorf("work: unknown mode %q", s)
}

// EventType is a lifecycle phase of a submission.
type EventType int

const (
	EventAccepted EventType = iota + 1
	EventRejected
	EventStarted
	EventCompleted
)

func (e EventType) String() string {
	switch e {
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Event is delivered to a Listener for each phase a submission reaches.
type Event struct {
	Type   EventType
	WorkID string
	At     time.Time
	// Err is set on Rejected, and on Completed when the work failed.
	Err error
}

// Listener observes lifecycle events. Calls happen on the goroutine that
// moved the work into the phase and must not block for long.
type Listener interface {
	WorkEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// WorkEvent implements Listener.
func (f ListenerFunc) WorkEvent(ev Event) { f(ev) }

// Func is the unit of work.
type Func func(ctx context.Context) error

// Request is one submission.
type Request struct {
	ID   string
	Mode Mode
	Run  Func
	// Listener is optional.
	Listener Listener
	// StartTimeout rejects the work when it is still queued after this long.
	// Zero waits indefinitely.
	StartTimeout time.Duration
	// WaitFor overrides the phase Submit blocks for. Zero uses the mode default.
	WaitFor EventType
	// WaitTimeout bounds how long Submit blocks. On expiry Submit returns
	// wait_timeout while the work carries on. Zero waits indefinitely.
	WaitTimeout time.Duration
	// Xid imports an external transaction for the duration of the work.
	Xid *txncoord.Xid
}

func (r Request) waitFor() EventType {
	if r.WaitFor != 0 {
		return r.WaitFor
	}
	switch r.Mode {
	case ModeStartWork:
		return EventStarted
	case ModeScheduleWork:
		return EventAccepted
	}
	return EventCompleted
}

// Importer attaches and detaches imported transactions.
type Importer interface {
	Import(ctx context.Context, xid txncoord.Xid) (*txncoord.Transaction, error)
	Detach(txn *txncoord.Transaction)
}

type txnKey struct{}

// TransactionFrom returns the imported transaction the running work is
// attached to, or nil.
func TransactionFrom(ctx context.Context) *txncoord.Transaction {
	txn, _ := ctx.Value(txnKey{}).(*txncoord.Transaction)
	return txn
}

func withTransaction(ctx context.Context, txn *txncoord.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return context.WithValue(ctx, txnKey{}, txn)
}
