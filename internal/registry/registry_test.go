package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return New(Config{Clock: clk}), clk
}

func TestPauseResumeIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Registration{Name: "app#mod#A", AutoStart: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Registration{Name: "app#mod#B", AutoStart: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := reg.Pause(ctx, "app#mod#A"); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
	}
	if paused, _ := reg.IsPaused("app#mod#A"); !paused {
		t.Fatalf("expected paused after double pause")
	}
	if paused, _ := reg.IsPaused("app#mod#B"); paused {
		t.Fatalf("pausing A must not pause B")
	}
	for i := 0; i < 2; i++ {
		if err := reg.Resume(ctx, "app#mod#A"); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	if paused, _ := reg.IsPaused("app#mod#A"); paused {
		t.Fatalf("expected active after double resume")
	}
}

func TestAutoStartFalseStartsPaused(t *testing.T) {
	ctx := context.Background()
	reg, clk := newTestRegistry(t)
	if err := reg.Register(Registration{Name: "app#mod#Lazy"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	st, err := reg.Status("app#mod#Lazy")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Paused || !st.PausedAt.Equal(clk.Now()) {
		t.Fatalf("expected paused since registration, got %+v", st)
	}
	if _, err := reg.Admit(ctx, "app#mod#Lazy"); !errors.Is(err, core.ErrEndpointUnavailable) {
		t.Fatalf("expected endpoint_unavailable, got %v", err)
	}
	if err := reg.Resume(ctx, "app#mod#Lazy"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	entry, err := reg.Admit(ctx, "app#mod#Lazy")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if entry.Name() != "app#mod#Lazy" {
		t.Fatalf("unexpected entry %s", entry.Name())
	}
	st, _ = reg.Status("app#mod#Lazy")
	if st.Admitted != 1 || st.Refused != 1 || !st.PausedAt.IsZero() {
		t.Fatalf("unexpected counters %+v", st)
	}
}

func TestListIncludesPausedSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, name := range []string{"z#m#b", "a#m#b", "m#m#b"} {
		if err := reg.Register(Registration{Name: name, AutoStart: name != "m#m#b"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(list))
	}
	want := []string{"a#m#b", "m#m#b", "z#m#b"}
	for i, st := range list {
		if st.Name != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], st.Name)
		}
	}
	if !list[1].Paused {
		t.Fatalf("expected m#m#b paused")
	}
}

func TestRegisterDuplicateAndUnknown(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Registration{Name: "a#b#c", AutoStart: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Registration{Name: " a#b#c ", AutoStart: true}); !errors.Is(err, core.ErrEndpointExists) {
		t.Fatalf("expected endpoint_exists, got %v", err)
	}
	if err := reg.Pause(ctx, "nope"); !errors.Is(err, core.ErrEndpointUnavailable) {
		t.Fatalf("expected endpoint_unavailable, got %v", err)
	}
	if err := reg.Register(Registration{Name: "a#b"}); err == nil {
		t.Fatalf("expected malformed name to fail")
	}
	if !reg.Unregister("a#b#c") || reg.Unregister("a#b#c") {
		t.Fatalf("unexpected unregister results")
	}
}

func TestConcurrentToggleIsConsistent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Registration{Name: "a#b#c", AutoStart: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = reg.Pause(ctx, "a#b#c")
			} else {
				_, _ = reg.Admit(ctx, "a#b#c")
			}
		}(i)
	}
	wg.Wait()
	st, _ := reg.Status("a#b#c")
	if !st.Paused {
		t.Fatalf("expected paused")
	}
	if st.Admitted+st.Refused != 8 {
		t.Fatalf("expected 8 gate decisions, got %d", st.Admitted+st.Refused)
	}
}

func TestParseName(t *testing.T) {
	n, err := ParseName("app#module#bean")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.App != "app" || n.Module != "module" || n.Bean != "bean" || n.String() != "app#module#bean" {
		t.Fatalf("unexpected name %+v", n)
	}
	for _, bad := range []string{"", "a#b", "a#b#", "a#b#c#d"} {
		if _, err := ParseName(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}
