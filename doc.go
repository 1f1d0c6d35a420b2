// Package endpointd exposes the Go APIs behind a single-binary message
// delivery engine. Endpoints are registered by name, messages are delivered
// to pooled endpoint instances, and every delivery runs inside the
// transaction context its endpoint declares: a container-managed local
// transaction, an imported transaction driven by an external coordinator,
// a bean-managed user transaction, or none at all.
//
// # Running a server
//
// The admin surface listens on `Config.Listen` (default `:9451`).
// Endpoints can be declared in the config file or attached in code:
//
//	cfg := endpointd.DefaultConfig()
//	cfg.Endpoints = []endpointd.EndpointConfig{
//	    {Name: "app#orders#OrdersMDB", Attribute: "Required", Kind: endpointd.ListenerLog},
//	}
//	srv, stop, err := endpointd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Custom listeners are registered with WithEndpoint:
//
//	def := endpointd.EndpointDefinition{
//	    Attribute: endpointd.TxRequired,
//	    Methods: map[string]endpointd.ListenerMethod{
//	        "onMessage": {Handler: func(ctx context.Context, lc *endpointd.ListenerContext, payload string) error {
//	            return process(ctx, payload)
//	        }},
//	    },
//	}
//	srv, err := endpointd.NewServer(cfg, endpointd.WithEndpoint("app#orders#OrdersMDB", def, true))
//
// # Delivery
//
// A delivery is a script of steps against one or more endpoint instances.
// Option A invokes the listener method directly; Option B brackets the
// invocation with beforeDelivery and afterDelivery so the caller controls
// the transaction boundary. Calls outside the endpoint state machine are
// reported as protocol violations and leave the instance poisoned.
//
// # Imported transactions
//
// Deliveries submitted with an Xid join the imported transaction instead of
// starting a local one. The coordinator then drives prepare, commit,
// rollback and forget through the `txn` admin endpoints, and recover lists
// every prepared branch still awaiting a decision.
//
// # Observability
//
// Logs are structured through pslog. Metrics are exported with OpenTelemetry
// to a Prometheus scrape endpoint when `Config.MetricsListen` is set, and
// traces are shipped over OTLP when `Config.OTLPEndpoint` is set.
package endpointd
