package work

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/txncoord"
)

type eventLog struct {
	mu     sync.Mutex
	events []EventType
}

func (l *eventLog) WorkEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev.Type)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventType(nil), l.events...)
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestDoWorkBlocksUntilCompleted(t *testing.T) {
	m := startManager(t, Config{Workers: 2})
	log := &eventLog{}
	ran := false
	h, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Listener: log, Run: func(context.Context) error {
		ran = true
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ran {
		t.Fatalf("expected work to have run")
	}
	<-h.Done()
	want := []EventType{EventAccepted, EventStarted, EventCompleted}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDoWorkReturnsWorkError(t *testing.T) {
	m := startManager(t, Config{Workers: 1})
	boom := errors.New("boom")
	if _, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Run: func(context.Context) error { return boom }}); !errors.Is(err, boom) {
		t.Fatalf("expected work error, got %v", err)
	}
}

func TestStartWorkReturnsOnceStarted(t *testing.T) {
	m := startManager(t, Config{Workers: 1})
	release := make(chan struct{})
	h, err := m.Submit(context.Background(), Request{Mode: ModeStartWork, Run: func(context.Context) error {
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-h.Started():
	default:
		t.Fatalf("expected started")
	}
	select {
	case <-h.Done():
		t.Fatalf("work must still be running")
	default:
	}
	close(release)
	<-h.Done()
}

func TestScheduleWorkAndWaitTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := startManager(t, Config{Workers: 1, Clock: clk})
	blocker := make(chan struct{})
	entered := make(chan struct{})
	if _, err := m.Submit(context.Background(), Request{Mode: ModeScheduleWork, Run: func(context.Context) error {
		close(entered)
		<-blocker
		return nil
	}}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	<-entered

	errCh := make(chan error, 1)
	var h *Handle
	var mu sync.Mutex
	go func() {
		handle, err := m.Submit(context.Background(), Request{
			Mode:        ModeDoWork,
			WaitTimeout: time.Second,
			Run:         func(context.Context) error { return nil },
		})
		mu.Lock()
		h = handle
		mu.Unlock()
		errCh <- err
	}()
	clk.BlockUntil(1)
	clk.Advance(2 * time.Second)
	if err := <-errCh; !errors.Is(err, core.ErrWaitTimeout) {
		t.Fatalf("expected wait_timeout, got %v", err)
	}
	close(blocker)
	mu.Lock()
	handle := h
	mu.Unlock()
	<-handle.Done()
	if handle.Rejected() || handle.Err() != nil {
		t.Fatalf("timed-out work must still complete, rejected=%v err=%v", handle.Rejected(), handle.Err())
	}
}

func TestStartTimeoutRejectsQueuedWork(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := startManager(t, Config{Workers: 1, Clock: clk})
	blocker := make(chan struct{})
	entered := make(chan struct{})
	if _, err := m.Submit(context.Background(), Request{Mode: ModeStartWork, Run: func(context.Context) error {
		close(entered)
		<-blocker
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	log := &eventLog{}
	h, err := m.Submit(context.Background(), Request{
		Mode:         ModeScheduleWork,
		StartTimeout: time.Second,
		Listener:     log,
		Run:          func(context.Context) error { t.Error("expired work must not run"); return nil },
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	clk.Advance(5 * time.Second)
	close(blocker)
	<-h.Done()
	if !h.Rejected() || !errors.Is(h.Err(), core.ErrWorkRejected) {
		t.Fatalf("expected rejection, got rejected=%v err=%v", h.Rejected(), h.Err())
	}
	got := log.snapshot()
	if len(got) != 2 || got[0] != EventAccepted || got[1] != EventRejected {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestFullQueueRejects(t *testing.T) {
	m := startManager(t, Config{Workers: 1, QueueDepth: 1})
	blocker := make(chan struct{})
	entered := make(chan struct{})
	if _, err := m.Submit(context.Background(), Request{Mode: ModeStartWork, Run: func(context.Context) error {
		close(entered)
		<-blocker
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	defer close(blocker)
	if _, err := m.Submit(context.Background(), Request{Mode: ModeScheduleWork, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if _, err := m.Submit(context.Background(), Request{Mode: ModeScheduleWork, Run: func(context.Context) error { return nil }}); !errors.Is(err, core.ErrWorkRejected) {
		t.Fatalf("expected work_rejected, got %v", err)
	}
}

type acceptedSignal chan struct{}

func (a acceptedSignal) WorkEvent(ev Event) {
	if ev.Type == EventAccepted {
		close(a)
	}
}

func TestStopWithExpiredContextRejectsQueuedWork(t *testing.T) {
	m := startManager(t, Config{Workers: 1, QueueDepth: 4})
	blocker := make(chan struct{})
	entered := make(chan struct{})
	if _, err := m.Submit(context.Background(), Request{Mode: ModeStartWork, Run: func(context.Context) error {
		close(entered)
		<-blocker
		return nil
	}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	defer close(blocker)

	queued, err := m.Submit(context.Background(), Request{Mode: ModeScheduleWork, Run: func(context.Context) error {
		t.Error("queued work must not run after stop")
		return nil
	}})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	accepted := make(acceptedSignal)
	waiter := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Listener: accepted, Run: func(context.Context) error { return nil }})
		waiter <- err
	}()
	<-accepted

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if err := m.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-queued.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("queued work never finished")
	}
	if !queued.Rejected() || !errors.Is(queued.Err(), core.ErrWorkRejected) {
		t.Fatalf("expected queued work rejected, got rejected=%v err=%v", queued.Rejected(), queued.Err())
	}
	select {
	case err := <-waiter:
		if !errors.Is(err, core.ErrWorkRejected) {
			t.Fatalf("expected DoWork submitter to see work_rejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("DoWork submitter still blocked after stop")
	}
}

func TestRestartAfterStopRunsWork(t *testing.T) {
	m := startManager(t, Config{Workers: 1})
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Run: func(context.Context) error { return nil }})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("submit after restart: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("work submitted after restart never completed")
	}
}

func TestNoWorkRunsInline(t *testing.T) {
	m := NewManager(Config{})
	log := &eventLog{}
	if _, err := m.Submit(context.Background(), Request{Mode: ModeNoWork, Listener: log, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := log.snapshot(); len(got) != 3 {
		t.Fatalf("expected three events, got %v", got)
	}
}

func TestSubmitBeforeStartRejected(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Run: func(context.Context) error { return nil }}); !errors.Is(err, core.ErrWorkRejected) {
		t.Fatalf("expected work_rejected, got %v", err)
	}
}

func TestImportedXidAttachedOnce(t *testing.T) {
	mgr := txncoord.New(txncoord.Config{})
	m := startManager(t, Config{Workers: 2, Importer: mgr})
	xid := txncoord.ImportedXid(1, "shared", "b")
	blocker := make(chan struct{})
	entered := make(chan struct{})
	var seen *txncoord.Transaction
	first, err := m.Submit(context.Background(), Request{Mode: ModeStartWork, Xid: &xid, Run: func(ctx context.Context) error {
		seen = TransactionFrom(ctx)
		close(entered)
		<-blocker
		return nil
	}})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-entered
	_, err = m.Submit(context.Background(), Request{Mode: ModeDoWork, Xid: &xid, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, core.ErrWorkRejected) || !errors.Is(err, core.ErrXidInUse) {
		t.Fatalf("expected xid_in_use rejection, got %v", err)
	}
	close(blocker)
	<-first.Done()
	if seen == nil || seen.Xid() != xid {
		t.Fatalf("expected transaction in work context")
	}
	if _, err := m.Submit(context.Background(), Request{Mode: ModeDoWork, Xid: &xid, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("expected xid reusable after detach, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeNoWork, ModeDoWork, ModeStartWork, ModeScheduleWork} {
		parsed, err := ParseMode(mode.String())
		if err != nil || parsed != mode {
			t.Fatalf("round trip %s: %v %v", mode, parsed, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
