package endpointd

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.Workers != DefaultWorkers || cfg.QueueDepth != DefaultQueueDepth {
		t.Fatalf("expected pool defaults, got workers=%d queue=%d", cfg.Workers, cfg.QueueDepth)
	}
	if cfg.MaxResults != DefaultMaxResults {
		t.Fatalf("expected max results default, got %d", cfg.MaxResults)
	}
	if cfg.DecisionRetention != DefaultDecisionRetention || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatal("expected duration defaults")
	}
	if cfg.MetricsListen != "" {
		t.Fatalf("expected metrics disabled by default, got %q", cfg.MetricsListen)
	}
}

func TestConfigValidateNormalisesEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoints = []EndpointConfig{
		{Name: " app#mod#Orders ", Attribute: "bmt"},
		{Name: "Audit", Kind: "DISCARD", Methods: []string{"onAudit"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	orders := cfg.Endpoints[0]
	if orders.Name != "app#mod#Orders" || orders.Attribute != "BeanManaged" || orders.Kind != ListenerLog {
		t.Fatalf("unexpected normalised endpoint %+v", orders)
	}
	if !orders.AutoStartEnabled() {
		t.Fatal("expected auto-start by default")
	}
	if got := orders.MethodNames(); len(got) != 1 || got[0] != DefaultListenerMethod {
		t.Fatalf("expected default method, got %v", got)
	}
	audit := cfg.Endpoints[1]
	if audit.Kind != ListenerDiscard || audit.Attribute != "Required" {
		t.Fatalf("unexpected audit endpoint %+v", audit)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	off := false
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative workers", Config{Workers: -1}, "workers"},
		{"negative queue", Config{QueueDepth: -2}, "queue depth"},
		{"negative results", Config{MaxResults: -1}, "max results"},
		{"runtime metrics without listener", Config{RuntimeMetrics: true}, "metrics-listen"},
		{"unknown kind", Config{Endpoints: []EndpointConfig{{Name: "A", Kind: "echo"}}}, "unknown listener kind"},
		{"bad attribute", Config{Endpoints: []EndpointConfig{{Name: "A", Attribute: "Mandatory"}}}, "attribute"},
		{"bad name", Config{Endpoints: []EndpointConfig{{Name: "a#b"}}}, "app#module#bean"},
		{"duplicate method", Config{Endpoints: []EndpointConfig{{Name: "A", Methods: []string{"m", "m"}}}}, "duplicate method"},
		{"duplicate endpoint", Config{Endpoints: []EndpointConfig{{Name: "A"}, {Name: " A ", AutoStart: &off}}}, "declared twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDefaultConfigDirHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENDPOINTD_CONFIG_DIR", dir)
	got, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if got != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q", got)
	}
	t.Setenv("ENDPOINTD_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Join(dir, ".endpointd") {
		t.Fatalf("unexpected config dir %q", got)
	}
}
