package endpointd

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/client"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/delivery"
	"pkt.systems/endpointd/internal/endpoint"
)

func newTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestNewServerRegistersConfiguredEndpoints(t *testing.T) {
	off := false
	srv := newTestServer(t, Config{Endpoints: []EndpointConfig{
		{Name: "app#mod#Orders"},
		{Name: "Audit", Kind: ListenerDiscard, AutoStart: &off},
	}})
	list := srv.Registry().List()
	if len(list) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(list))
	}
	paused, err := srv.Registry().IsPaused("Audit")
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if !paused {
		t.Fatal("expected endpoint without auto-start to begin paused")
	}
	st, err := srv.Registry().Status("app#mod#Orders")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Kind != ListenerLog || st.Attribute != core.TxRequired || st.Paused {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRollbackOnceListenerRollsBackOnlyFirstDelivery(t *testing.T) {
	srv := newTestServer(t, Config{Endpoints: []EndpointConfig{{Name: "app#mod#Once", Kind: ListenerRollbackOnce}}})
	ctx := context.Background()
	deliver := func(id string) {
		t.Helper()
		req := delivery.OptionA("app#mod#Once", DefaultListenerMethod, "m")
		req.DeliveryID = id
		req.WithResource = true
		if _, err := srv.Dispatcher().Deliver(ctx, req); err != nil {
			t.Fatalf("deliver %s: %v", id, err)
		}
	}
	deliver("first")
	deliver("second")

	first, ok := srv.Dispatcher().TestResult("first")
	if !ok {
		t.Fatal("missing first result")
	}
	if !first.RollbackDriven || first.CommitDriven {
		t.Fatalf("expected first delivery rolled back, got %+v", first)
	}
	second, ok := srv.Dispatcher().TestResult("second")
	if !ok {
		t.Fatal("missing second result")
	}
	if !second.CommitDriven || second.RollbackDriven {
		t.Fatalf("expected second delivery committed, got %+v", second)
	}
}

func TestCustomEndpointOption(t *testing.T) {
	got := make(chan string, 1)
	def := endpoint.Definition{
		Attribute: core.TxNotSupported,
		Methods: map[string]endpoint.Method{
			"onMessage": {Handler: func(_ context.Context, lc *endpoint.Context, payload string) error {
				got <- string(lc.TxKind()) + ":" + payload
				return nil
			}},
		},
	}
	srv := newTestServer(t, Config{}, WithEndpoint("app#mod#Custom", def, true))
	if _, err := srv.Dispatcher().Deliver(context.Background(), delivery.OptionA("app#mod#Custom", "onMessage", "hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case v := <-got:
		if v != string(core.TxKindLocal)+":hello" {
			t.Fatalf("unexpected listener observation %q", v)
		}
	default:
		t.Fatal("listener was not invoked")
	}
	if _, err := NewServer(Config{Listen: "127.0.0.1:0"}, WithEndpoint("a#b", def, true)); err == nil {
		t.Fatal("expected invalid endpoint name to fail")
	}
}

func TestSyncEndpointsAddsOnlyNew(t *testing.T) {
	srv := newTestServer(t, Config{Endpoints: []EndpointConfig{{Name: "A"}}})
	added, err := srv.SyncEndpoints([]EndpointConfig{{Name: "A"}, {Name: "app#mod#B", Kind: ListenerDiscard}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(added) != 1 || added[0] != "app#mod#B" {
		t.Fatalf("expected only app#mod#B added, got %v", added)
	}
	if _, err := srv.SyncEndpoints([]EndpointConfig{{Name: "C", Kind: "echo"}}); err == nil {
		t.Fatal("expected invalid kind to be reported")
	}
	if err := srv.RegisterEndpoint(EndpointConfig{Name: "A"}); !errors.Is(err, core.ErrEndpointExists) {
		t.Fatalf("expected endpoint_exists, got %v", err)
	}
}

func TestStartServerServesAdminSurface(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Endpoints = []EndpointConfig{{Name: "app#mod#Orders", Kind: ListenerDiscard}}
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()
	cli, err := client.New(srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	endpoints, err := cli.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].Name != "app#mod#Orders" {
		t.Fatalf("unexpected endpoints %+v", endpoints)
	}
	if err := cli.Pause(ctx, "app#mod#Orders"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	req := api.DeliverRequest{Endpoint: "app#mod#Orders", Option: "A", Method: DefaultListenerMethod, Payloads: []string{"a", "b"}}
	if _, err := cli.Deliver(ctx, req); client.ErrorCode(err) != string(core.CodeEndpointUnavailable) {
		t.Fatalf("expected endpoint_unavailable while paused, got %v", err)
	}
	if err := cli.Resume(ctx, "app#mod#Orders"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resp, err := cli.Deliver(ctx, req)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !resp.Completed || resp.Result == nil || resp.Result.MessagesDelivered != 2 {
		t.Fatalf("unexpected delivery response %+v", resp)
	}
	fetched, err := cli.Result(ctx, resp.DeliveryID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !fetched.OptionAUsed || fetched.OptionBUsed {
		t.Fatalf("unexpected option flags %+v", fetched)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv := newTestServer(t, Config{})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
