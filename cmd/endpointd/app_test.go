package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/endpointd"
	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func startAdmin(t *testing.T, eps ...endpointd.EndpointConfig) (*endpointd.Server, string) {
	t.Helper()
	srv, err := endpointd.NewServer(endpointd.Config{Listen: "127.0.0.1:0", Endpoints: eps})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func TestVersionCommand(t *testing.T) {
	out, err := executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != version.Current()+"\n" {
		t.Fatalf("unexpected version output %q", out)
	}
	out, err = executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "endpointd ") {
		t.Fatalf("unexpected banner %q", out)
	}
}

func TestConfigGenProducesLoadableConfig(t *testing.T) {
	out, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg endpointd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate generated config: %v", err)
	}
	if cfg.Listen != endpointd.DefaultListen || cfg.Workers != endpointd.DefaultWorkers {
		t.Fatalf("unexpected generated defaults %+v", cfg)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "app#module#SampleMDB" || !cfg.Endpoints[0].AutoStartEnabled() {
		t.Fatalf("unexpected generated endpoints %+v", cfg.Endpoints)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	_, err := executeRootCommand(t, "config", "gen", "--out", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to be mutually exclusive")
	}
}

func TestEndpointCommandsAgainstServer(t *testing.T) {
	_, url := startAdmin(t, endpointd.EndpointConfig{Name: "app#mod#Orders", Kind: endpointd.ListenerDiscard})

	out, err := executeRootCommand(t, "endpoints", "pause", "app#mod#Orders", "--server", url)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !strings.Contains(out, "paused=true") {
		t.Fatalf("unexpected pause output %q", out)
	}
	out, err = executeRootCommand(t, "endpoints", "status", "app#mod#Orders", "--server", url, "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st api.EndpointStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if !st.Paused || st.Name != "app#mod#Orders" {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := executeRootCommand(t, "deliver", "app#mod#Orders", "-p", "one", "--server", url); err == nil {
		t.Fatal("expected delivery to a paused endpoint to fail")
	}
	if _, err := executeRootCommand(t, "ep", "resume", "app#mod#Orders", "--server", url); err != nil {
		t.Fatalf("resume: %v", err)
	}
	out, err = executeRootCommand(t, "endpoints", "list", "--server", url)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "app#mod#Orders") || !strings.Contains(out, "active") {
		t.Fatalf("unexpected list output %q", out)
	}
	out, err = executeRootCommand(t, "deliver", "app#mod#Orders", "-p", "one", "-p", "two", "--server", url)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(out, "messages=2") {
		t.Fatalf("unexpected deliver output %q", out)
	}
}

func TestDeliverStepsFileReportsViolation(t *testing.T) {
	_, url := startAdmin(t, endpointd.EndpointConfig{Name: "app#mod#Orders", Kind: endpointd.ListenerDiscard})
	steps := []api.DeliveryStep{
		{Kind: "after_delivery"},
		{Kind: "invoke", Method: endpointd.DefaultListenerMethod, Payload: "x"},
	}
	data, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("marshal steps: %v", err)
	}
	path := filepath.Join(t.TempDir(), "steps.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write steps: %v", err)
	}
	out, err := executeRootCommand(t, "deliver", "app#mod#Orders", "--steps-file", path, "--server", url)
	if err == nil || !strings.Contains(err.Error(), "protocol_violation") {
		t.Fatalf("expected protocol_violation, got %v", err)
	}
	if !strings.Contains(out, "illegal_state=true") {
		t.Fatalf("expected result to record the violation, got %q", out)
	}
}

func TestTxnCommandsAgainstServer(t *testing.T) {
	_, url := startAdmin(t, endpointd.EndpointConfig{Name: "app#mod#Orders", Kind: endpointd.ListenerDiscard})
	xid := "1:order-42:b1"
	if _, err := executeRootCommand(t, "deliver", "app#mod#Orders", "-p", "one", "--with-resource", "--xid", xid, "--server", url); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out, err := executeRootCommand(t, "txn", "recover", "--server", url)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(out, "active=1 "+xid) {
		t.Fatalf("expected active xid, got %q", out)
	}
	out, err = executeRootCommand(t, "txn", "prepare", xid, "--server", url)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.Contains(out, "vote=commit") {
		t.Fatalf("unexpected prepare output %q", out)
	}
	out, err = executeRootCommand(t, "txn", "commit", xid, "--server", url)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !strings.Contains(out, "outcome=committed") {
		t.Fatalf("unexpected commit output %q", out)
	}
	if _, err := executeRootCommand(t, "txn", "commit", "9:nobody:b", "--server", url); err == nil || !strings.Contains(err.Error(), "unknown_xid") {
		t.Fatalf("expected unknown_xid, got %v", err)
	}
}

func TestEndpointReloaderRegistersAddedEndpoints(t *testing.T) {
	srv, _ := startAdmin(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "endpoints:\n  - name: app#mod#Late\n    kind: discard\n    auto-start: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	reload := endpointReloader(srv, pslog.NoopLogger())
	reload(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	if _, err := srv.Registry().Status("app#mod#Late"); err == nil {
		t.Fatal("chmod events must not register endpoints")
	}
	reload(fsnotify.Event{Name: path, Op: fsnotify.Write})
	st, err := srv.Registry().Status("app#mod#Late")
	if err != nil {
		t.Fatalf("expected endpoint registered after reload: %v", err)
	}
	if !st.Paused || st.Kind != endpointd.ListenerDiscard {
		t.Fatalf("unexpected reloaded status %+v", st)
	}
}
