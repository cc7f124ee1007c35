package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
node:
  advertise: 10.0.0.1:6000
  leader: 10.0.0.2:6000
membership:
  heartbeat: 5s
  idle_timeout: 10s
replication:
  port_offset: 1
  replica_factor: 2
  replica_offset: 5s
  ack_timeout: 2s
worker:
  workers: 4
  timeout: 5s
ingress:
  enabled: true
  addr: 127.0.0.1:8088
  rate_per_sec: 50
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./data/exec.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func newManager(path string) *Manager { return NewManager(path, WithEnv(noEnv)) }

func TestLoadYAML(t *testing.T) {
	m := newManager(writeFile(t, "node.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Advertise != "10.0.0.1:6000" || cfg.Node.Leader != "10.0.0.2:6000" {
		t.Fatalf("node = %+v", cfg.Node)
	}
	if cfg.Replication.PortOffset != 1 || cfg.Replication.ReplicaFactor != 2 {
		t.Fatalf("replication = %+v", cfg.Replication)
	}
	if !cfg.Ingress.Enabled || cfg.Ingress.RatePerSec != 50 {
		t.Fatalf("ingress = %+v", cfg.Ingress)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestLoadRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := newManager(writeFile(t, "c.yaml", "node:\n  advertise: a:1\n  bogus: 1\n")).Load(); err == nil {
		t.Fatal("unknown yaml field should fail")
	}
	if _, err := newManager(writeFile(t, "c.json", `{"node":{"advertise":"a:1"}} {}`)).Load(); err == nil {
		t.Fatal("trailing json should fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Node: NodeConfig{Advertise: "127.0.0.1:6000"}}
	}
	cases := map[string]func(c *Config){
		"missing advertise":   func(c *Config) { c.Node.Advertise = "" },
		"advertise no port":   func(c *Config) { c.Node.Advertise = "127.0.0.1" },
		"bad leader port":     func(c *Config) { c.Node.Leader = "host:99999" },
		"bad heartbeat":       func(c *Config) { c.Membership.Heartbeat = "fast" },
		"idle below hb":       func(c *Config) { c.Membership.Heartbeat = "5s"; c.Membership.IdleTimeout = "2s" },
		"negative offset":     func(c *Config) { c.Replication.PortOffset = -1 },
		"negative factor":     func(c *Config) { c.Replication.ReplicaFactor = -2 },
		"negative workers":    func(c *Config) { c.Worker.Workers = -1 },
		"bad worker timeout":  func(c *Config) { c.Worker.Timeout = "-1s" },
		"unknown driver":      func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} },
		"storage needs path":  func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} },
		"bad ingress address": func(c *Config) { c.Ingress = IngressConfig{Enabled: true, Addr: "nope"} },
	}
	for name, mut := range cases {
		c := base()
		mut(c)
		if err := Validate(c); err == nil {
			t.Errorf("%s: Validate should fail", name)
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Node:        NodeConfig{Advertise: "a:6000"},
		Replication: ReplicationConfig{PortOffset: 1, ReplicaFactor: 2},
		Worker:      WorkerConfig{Workers: 4},
	}
	newCfg := &Config{
		Node:        NodeConfig{Advertise: "a:6000"},
		Replication: ReplicationConfig{PortOffset: 2, ReplicaFactor: 3},
		Worker:      WorkerConfig{Workers: 8},
		Logging:     LoggingConfig{Level: "debug"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "replication", "worker"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if want := []string{"replication.port_offset"}; !reflect.DeepEqual(restart, want) {
		t.Fatalf("restart = %v, want %v", restart, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if c, _, r := SummarizeConfigChange(oldCfg, oldCfg); len(c) != 0 || len(r) != 0 {
		t.Fatalf("identical configs reported %v / %v", c, r)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 250ms "); err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default got %v, %v", d, err)
	}
	if d, err := ParseDurationField("replication.replica_offset", "2.5"); err != nil || d != 2500*time.Millisecond {
		t.Fatalf("bare seconds got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "1e300"); err == nil {
		t.Fatal("overflowing seconds should fail")
	}
	if _, err := ParseDurationField("worker.timeout", "-1s"); err == nil || !strings.Contains(err.Error(), "worker.timeout") {
		t.Fatalf("negative duration err = %v", err)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "node.json", `{"node":{"advertise":"127.0.0.1:6000"},"logging":{"level":"info"}}`)
	m := newManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid first: must not be published.
	if err := os.WriteFile(path, []byte(`{"node":{"advertise":""},"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"node":{"advertise":"127.0.0.1:6000"},"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published %+v", cfg.Logging)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("valid config should be committed")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{EnvAdvertise: " 10.0.0.9:7000 ", EnvLogLevel: "warn", EnvLeader: ""}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	m := NewManager(writeFile(t, "node.yaml", sampleYAML), WithEnv(lookup))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Advertise != "10.0.0.9:7000" || cfg.Logging.Level != "warn" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Node, cfg.Logging)
	}
	if cfg.Node.Leader != "10.0.0.2:6000" {
		t.Fatalf("empty override should keep file value, got %q", cfg.Node.Leader)
	}
}

func TestEmptyYAMLDecodesToZeroConfig(t *testing.T) {
	cfg, err := newManager(writeFile(t, "empty.yml", "")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Advertise != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("empty config must not validate")
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	m := newManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{Logging: LoggingConfig{Level: "info"}}, &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("got %+v, want latest", got.Logging)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	m.Unsubscribe(sub)
}
