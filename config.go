package endpointd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/pathutil"
	"pkt.systems/endpointd/internal/registry"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/endpointd/internal/work"
)

const (
	// DefaultListen is the default TCP endpoint the admin surface binds to.
	DefaultListen = ":9451"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultWorkers is the size of the delivery worker pool.
	DefaultWorkers = work.DefaultWorkers
	// DefaultQueueDepth bounds how many accepted deliveries may wait for a worker.
	DefaultQueueDepth = work.DefaultQueueDepth
	// DefaultMaxResults bounds the number of delivery result records kept.
	DefaultMaxResults = 4096
	// DefaultDecisionRetention is how long completed imported transactions stay
	// queryable before they are swept.
	DefaultDecisionRetention = txncoord.DefaultDecisionRetention
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Built-in listener kinds for config-declared endpoints.
const (
	// ListenerLog logs every payload at info level and commits.
	ListenerLog = "log"
	// ListenerDiscard drops every payload and commits.
	ListenerDiscard = "discard"
	// ListenerRollbackOnce rolls back the first message the endpoint
	// receives and commits afterwards.
	ListenerRollbackOnce = "rollback-once"
)

// DefaultListenerMethod is the method name used when an endpoint lists none.
const DefaultListenerMethod = "onMessage"

// EndpointConfig declares one endpoint registration.
type EndpointConfig struct {
	// Name is application#module#bean (a bare bean name is accepted).
	Name string `yaml:"name" mapstructure:"name"`
	// Attribute is Required, NotSupported or BeanManaged. Empty means Required.
	Attribute string `yaml:"attribute,omitempty" mapstructure:"attribute"`
	// AutoStart registers the endpoint active; nil means true.
	AutoStart *bool `yaml:"auto-start,omitempty" mapstructure:"auto-start"`
	// Kind is the built-in listener backing the endpoint.
	Kind string `yaml:"kind,omitempty" mapstructure:"kind"`
	// Methods lists the listener method names; empty means onMessage.
	Methods []string `yaml:"methods,omitempty" mapstructure:"methods"`
}

// AutoStartEnabled reports whether the endpoint starts active.
func (e EndpointConfig) AutoStartEnabled() bool {
	return e.AutoStart == nil || *e.AutoStart
}

// MethodNames returns the configured method names or the default.
func (e EndpointConfig) MethodNames() []string {
	if len(e.Methods) == 0 {
		return []string{DefaultListenerMethod}
	}
	return e.Methods
}

func (e *EndpointConfig) normalize() error {
	name, err := registry.CanonicalName(e.Name)
	if err != nil {
		return err
	}
	e.Name = name
	attr, err := core.ParseTxAttribute(e.Attribute)
	if err != nil {
		return err
	}
	e.Attribute = attr.String()
	e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
	if e.Kind == "" {
		e.Kind = ListenerLog
	}
	switch e.Kind {
	case ListenerLog, ListenerDiscard, ListenerRollbackOnce:
	default:
		return fmt.Errorf("unknown listener kind %q", e.Kind)
	}
	seen := make(map[string]struct{}, len(e.Methods))
	for _, m := range e.Methods {
		m = strings.TrimSpace(m)
		if m == "" {
			return fmt.Errorf("empty method name")
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("duplicate method %q", m)
		}
		seen[m] = struct{}{}
	}
	return nil
}

// Config captures the tunables for an endpointd server.
type Config struct {
	// Listen is the admin HTTP listener address.
	Listen string `mapstructure:"listen"`
	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string `mapstructure:"metrics-listen"`
	// RuntimeMetrics adds Go runtime metrics to the Prometheus listener.
	RuntimeMetrics bool `mapstructure:"runtime-metrics"`
	// OTLPEndpoint enables trace export (host:port, grpc://, grpcs://, http://, https://).
	OTLPEndpoint string `mapstructure:"otlp-endpoint"`
	// Workers sizes the delivery worker pool.
	Workers int `mapstructure:"workers"`
	// QueueDepth bounds accepted deliveries waiting for a worker.
	QueueDepth int `mapstructure:"queue-depth"`
	// MaxResults bounds the result record store.
	MaxResults int `mapstructure:"max-results"`
	// DecisionRetention keeps completed imported transactions queryable.
	DecisionRetention time.Duration `mapstructure:"decision-retention"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	// Endpoints are registered at startup.
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		Listen:            DefaultListen,
		MetricsListen:     DefaultMetricsListen,
		Workers:           DefaultWorkers,
		QueueDepth:        DefaultQueueDepth,
		MaxResults:        DefaultMaxResults,
		DecisionRetention: DefaultDecisionRetention,
		ShutdownTimeout:   DefaultShutdownTimeout,
	}
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	if c.RuntimeMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	switch {
	case c.Workers == 0:
		c.Workers = DefaultWorkers
	case c.Workers < 0:
		return fmt.Errorf("config: workers must be > 0")
	}
	switch {
	case c.QueueDepth == 0:
		c.QueueDepth = DefaultQueueDepth
	case c.QueueDepth < 0:
		return fmt.Errorf("config: queue depth must be > 0")
	}
	switch {
	case c.MaxResults == 0:
		c.MaxResults = DefaultMaxResults
	case c.MaxResults < 0:
		return fmt.Errorf("config: max results must be > 0")
	}
	switch {
	case c.DecisionRetention == 0:
		c.DecisionRetention = DefaultDecisionRetention
	case c.DecisionRetention < 0:
		return fmt.Errorf("config: decision retention must be >= 0")
	}
	switch {
	case c.ShutdownTimeout == 0:
		c.ShutdownTimeout = DefaultShutdownTimeout
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := ep.normalize(); err != nil {
			return fmt.Errorf("config: endpoints[%d] (%s): %w", i, ep.Name, err)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("config: endpoint %s declared twice", ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.endpointd, or $ENDPOINTD_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ENDPOINTD_CONFIG_DIR")); override != "" {
		expanded, err := pathutil.ExpandUserAndEnv(override)
		if err != nil {
			return "", err
		}
		return filepath.Abs(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".endpointd"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
