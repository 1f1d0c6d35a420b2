package endpointd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/endpointd/internal/adminapi"
	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/delivery"
	"pkt.systems/endpointd/internal/endpoint"
	"pkt.systems/endpointd/internal/registry"
	"pkt.systems/endpointd/internal/results"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/endpointd/internal/version"
	"pkt.systems/endpointd/internal/work"
)

// Server wraps the admin HTTP server and the delivery engine behind it.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	baseLogger   pslog.Logger
	clock        clock.Clock
	txns         *txncoord.Manager
	coord        *txncoord.Coordinator
	registry     *registry.Registry
	work         *work.Manager
	results      *results.Store
	dispatcher   *delivery.Dispatcher
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetry
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	endpoints    []customEndpoint
}

type customEndpoint struct {
	name      string
	kind      string
	autoStart bool
	def       endpoint.Definition
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithEndpoint registers an endpoint backed by a caller-supplied definition
// in addition to the ones declared in Config.Endpoints.
func WithEndpoint(name string, def endpoint.Definition, autoStart bool) Option {
	return func(o *options) {
		o.endpoints = append(o.endpoints, customEndpoint{name: name, kind: "custom", autoStart: autoStart, def: def})
	}
}

// NewServer constructs an endpointd server according to cfg. The worker
// pool is running when NewServer returns, so Handler can be served before
// Start is called.
// Example:
//
//	cfg := endpointd.DefaultConfig()
//	cfg.Endpoints = []endpointd.EndpointConfig{{Name: "app#mod#OrdersMDB"}}
//	srv, err := endpointd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfgCopy.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	clk := clock.Ensure(o.Clock)

	tel, err := setupTelemetry(context.Background(), telemetryOptions{
		otlpEndpoint:   cfgCopy.OTLPEndpoint,
		metricsListen:  cfgCopy.MetricsListen,
		runtimeMetrics: cfgCopy.RuntimeMetrics,
		serviceVersion: version.Current(),
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	txns := txncoord.New(txncoord.Config{Logger: logger, Clock: clk, DecisionRetention: cfgCopy.DecisionRetention})
	pool := work.NewManager(work.Config{
		Workers:    cfgCopy.Workers,
		QueueDepth: cfgCopy.QueueDepth,
		Logger:     logger,
		Clock:      clk,
		Importer:   txns,
	})
	reg := registry.New(registry.Config{Logger: logger, Clock: clk})
	store := results.NewStore(cfgCopy.MaxResults)
	disp, err := delivery.New(delivery.Config{
		Registry:     reg,
		Transactions: txns,
		Work:         pool,
		Results:      store,
		Logger:       logger,
		Clock:        clk,
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	s := &Server{
		cfg:        cfgCopy,
		logger:     svcfields.WithSubsystem(logger, "server.lifecycle"),
		baseLogger: logger,
		clock:      clk,
		txns:       txns,
		coord:      txncoord.NewCoordinator(txns, logger),
		registry:   reg,
		work:       pool,
		results:    store,
		dispatcher: disp,
		telemetry:  tel,
		readyCh:    make(chan struct{}),
	}
	fail := func(err error) (*Server, error) {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	for _, ep := range cfgCopy.Endpoints {
		if err := s.registerConfigured(ep); err != nil {
			return fail(err)
		}
	}
	for _, ep := range o.endpoints {
		if err := s.register(ep.name, ep.kind, ep.autoStart, ep.def); err != nil {
			return fail(err)
		}
	}
	if err := pool.Start(context.Background()); err != nil {
		return fail(fmt.Errorf("start work manager: %w", err))
	}

	mux := http.NewServeMux()
	adminapi.New(adminapi.Config{
		Registry:     reg,
		Dispatcher:   disp,
		Transactions: txns,
		Logger:       logger,
		Tracing:      cfgCopy.OTLPEndpoint != "",
	}).Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfgCopy.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// RegisterEndpoint registers a config-declared endpoint on a running server.
func (s *Server) RegisterEndpoint(ep EndpointConfig) error {
	if err := ep.normalize(); err != nil {
		return err
	}
	return s.registerConfigured(ep)
}

// SyncEndpoints registers every endpoint in eps that is not registered yet
// and returns the names it added. Endpoints already present are left alone;
// removing an endpoint from the config does not unregister it.
func (s *Server) SyncEndpoints(eps []EndpointConfig) ([]string, error) {
	var added []string
	var errs []error
	for _, ep := range eps {
		if err := ep.normalize(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.Name, err))
			continue
		}
		if _, err := s.registry.Status(ep.Name); err == nil {
			continue
		}
		if err := s.registerConfigured(ep); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, ep.Name)
	}
	return added, errors.Join(errs...)
}

func (s *Server) registerConfigured(ep EndpointConfig) error {
	def, err := ListenerDefinition(ep)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}
	return s.register(ep.Name, ep.Kind, ep.AutoStartEnabled(), def)
}

func (s *Server) register(name, kind string, autoStart bool, def endpoint.Definition) error {
	canonical, err := registry.CanonicalName(name)
	if err != nil {
		return err
	}
	factory, err := endpoint.NewFactory(canonical, def, s.coord, s.baseLogger)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", canonical, err)
	}
	return s.registry.Register(registry.Registration{
		Name:      canonical,
		Kind:      kind,
		AutoStart: autoStart,
		Factory:   factory,
	})
}

// Handler exposes the admin surface for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Registry exposes the endpoint registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Dispatcher exposes the delivery dispatcher.
func (s *Server) Dispatcher() *delivery.Dispatcher { return s.dispatcher }

// Transactions exposes the transaction manager.
func (s *Server) Transactions() *txncoord.Manager { return s.txns }

// Config returns the validated configuration the server runs with.
func (s *Server) Config() Config { return s.cfg }

// MetricsAddr reports the bound Prometheus listener, or "" when disabled.
func (s *Server) MetricsAddr() string { return s.telemetry.MetricsAddr() }

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"endpoints", len(s.registry.List()),
		"workers", s.cfg.Workers,
		"version", version.Current(),
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. Imported transactions still active are left to their owner; they
// are only reported.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.work.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("work shutdown: %w", err))
	}
	if active := s.dispatcher.ActiveXids(); len(active) > 0 {
		s.logger.Warn("server.shutdown.imported_pending", "active", len(active), "in_doubt", len(s.dispatcher.InDoubt()))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background, waits until it is ready
// and returns it with an idempotent stop function. Cancelling ctx also stops
// the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
