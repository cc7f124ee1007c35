package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("replication"), Peer("10.0.0.2:6001"))
	log.Debug("hidden")
	log.Info("replica armed", TaskID("t-1"), Int("offset", 5))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{"comp": "replication", "peer": "10.0.0.2:6001", "id": "t-1", "message": "replica armed", "level": "info"}
	for k, v := range want {
		if ev[k] != v {
			t.Errorf("%s = %v, want %v", k, ev[k], v)
		}
	}
	if c, _ := ev["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Errorf("caller = %q", c)
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop is an explicit logger")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop should not enable any level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " WARNING ": LevelWarn, "error": LevelError, "": LevelInfo, "loud": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("one")

	second := filepath.Join(dir, "b.log")
	if err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Info("two")

	for path, msg := range map[string]string{first: `"one"`, second: `"two"`} {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !strings.Contains(string(b), msg) || strings.Count(string(b), "\n") != 1 {
			t.Fatalf("%s = %q", filepath.Base(path), b)
		}
	}

	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(dir, "missing", "x.log")}}); err == nil {
		t.Fatal("unopenable file should be reported")
	}
}
