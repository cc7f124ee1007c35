package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"peersched/internal/eventbus"
	"peersched/internal/task"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

func rec(i int) ExecutionRecord {
	return ExecutionRecord{
		At:       time.UnixMilli(int64(1_700_000_000_000 + i)).UTC(),
		TaskID:   fmt.Sprintf("t%d", i),
		Queue:    "default",
		Target:   "http://svc/hook",
		Kind:     "success",
		Duration: 15 * time.Millisecond,
		Node:     "127.0.0.1:6000",
	}
}

func testDrivers(t *testing.T, fn func(t *testing.T, cfg Config)) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			fn(t, Config{Driver: driver, Path: filepath.Join(t.TempDir(), "exec.db"), Retention: 3})
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	testDrivers(t, func(t *testing.T, cfg Config) {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer st.Close()
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := st.AppendExecution(ctx, rec(i)); err != nil {
				t.Fatalf("AppendExecution: %v", err)
			}
		}
		got, err := st.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Recent returned %d records, want retention 3", len(got))
		}
		if got[0].TaskID != "t4" || got[2].TaskID != "t2" {
			t.Fatalf("order = %s,%s,%s", got[0].TaskID, got[1].TaskID, got[2].TaskID)
		}
		if got[0].Duration != 15*time.Millisecond || !got[0].At.Equal(rec(4).At) {
			t.Fatalf("record mangled: %+v", got[0])
		}
	})
}

func TestForTaskShowsDuplicateRuns(t *testing.T) {
	testDrivers(t, func(t *testing.T, cfg Config) {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer st.Close()
		ctx := context.Background()
		dup := rec(1)
		dup.Node = "127.0.0.1:6010"
		for _, r := range []ExecutionRecord{rec(0), rec(1), dup} {
			if err := st.AppendExecution(ctx, r); err != nil {
				t.Fatalf("AppendExecution: %v", err)
			}
		}
		got, err := st.ForTask(ctx, "t1")
		if err != nil {
			t.Fatalf("ForTask: %v", err)
		}
		if len(got) != 2 || got[0].Node != "127.0.0.1:6000" || got[1].Node != "127.0.0.1:6010" {
			t.Fatalf("ForTask = %+v", got)
		}
		if none, _ := st.ForTask(ctx, "missing"); len(none) != 0 {
			t.Fatalf("unknown task = %+v", none)
		}
	})
}

func TestFileStoreReplaysOnOpen(t *testing.T) {
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "exec.log"), Retention: 10}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = st.AppendExecution(context.Background(), rec(i))
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.Recent(context.Background(), 0)
	if len(got) != 2 || got[0].TaskID != "t1" {
		t.Fatalf("replayed %+v", got)
	}
}

func TestRecorderStoresTerminalEvents(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "exec.log")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix("task.", 16)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRecorder(st, "node-a", logx.Nop()).Run(ctx, ch)
		close(done)
	}()

	tk := task.Task{ID: "x", QueueName: "q", Target: task.URLTarget("http://svc/x")}
	now := time.Now()
	bus.Publish(eventbus.Event{Type: "task.start", Time: now, Data: worker.Event{Kind: worker.KindStart, Task: tk, At: now}})
	bus.Publish(eventbus.Event{Type: "task.failure", Time: now, Data: worker.Event{Kind: worker.KindFailure, Task: tk, Reason: "boom", At: now}})
	bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: worker.HistoryItem{ID: "y", Queue: "q", Started: now, Error: "queue_full"}})

	deadline := time.Now().Add(2 * time.Second)
	var got []ExecutionRecord
	for time.Now().Before(deadline) {
		got, _ = st.Recent(context.Background(), 0)
		if len(got) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if len(got) != 2 {
		t.Fatalf("recorded %d records, want 2", len(got))
	}
	if got[0].Kind != "dropped" || got[1].Kind != "failure" || got[1].Reason != "boom" || got[1].Node != "node-a" {
		t.Fatalf("records = %+v", got)
	}
}
