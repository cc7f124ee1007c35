package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"peersched/internal/eventbus"
	"peersched/internal/task"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	want   int
}

func newRecorder(want int) *recordingReporter {
	return &recordingReporter{done: make(chan struct{}), want: want}
}

func (r *recordingReporter) OnTaskEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) == r.want {
		close(r.done)
	}
}

func (r *recordingReporter) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for lifecycle events")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type funcExecutor func(ctx context.Context, t task.Task) error

func (f funcExecutor) Execute(ctx context.Context, t task.Task) error { return f(ctx, t) }

func newTestTask(id string) task.Task {
	return task.Task{ID: id, QueueName: "q", Target: task.URLTarget("http://example.invalid/x")}
}

func startPool(t *testing.T, cfg Config, exec Executor, r Reporter) *Pool {
	t.Helper()
	p := New(cfg, exec, nopLog(), eventbus.New())
	p.SetReporter(r)
	p.Start(context.Background())
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestPoolEmitsStartThenSuccess(t *testing.T) {
	t.Parallel()
	rec := newRecorder(2)
	p := startPool(t, Config{Workers: 1}, funcExecutor(func(ctx context.Context, t task.Task) error { return nil }), rec)

	if err := p.Dispatch(newTestTask("ok-1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := rec.wait(t)
	if evs[0].String() != "start:ok-1" || evs[1].String() != "success:ok-1" {
		t.Fatalf("events = %v, %v", evs[0], evs[1])
	}
	if snap := p.Snapshot(); snap.Succeeded != 1 || len(snap.History) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPoolReportsFailureOnTimeout(t *testing.T) {
	t.Parallel()
	rec := newRecorder(2)
	slow := funcExecutor(func(ctx context.Context, t task.Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := startPool(t, Config{Workers: 1, Timeout: 50 * time.Millisecond}, slow, rec)

	if err := p.Dispatch(newTestTask("slow-1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := rec.wait(t)
	if evs[1].Kind != KindFailure {
		t.Fatalf("second event = %v, want failure", evs[1])
	}
	if !strings.HasPrefix(evs[1].String(), "failure:slow-1:timeout after 50ms") {
		t.Fatalf("failure line = %q", evs[1].String())
	}
}

func TestPoolRecoversExecutorPanic(t *testing.T) {
	t.Parallel()
	rec := newRecorder(2)
	p := startPool(t, Config{Workers: 1}, funcExecutor(func(ctx context.Context, t task.Task) error { panic("kaboom") }), rec)

	if err := p.Dispatch(newTestTask("panic-1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := rec.wait(t)
	if evs[1].Kind != KindFailure || !strings.Contains(evs[1].Reason, "kaboom") {
		t.Fatalf("event = %+v", evs[1])
	}
}

func TestDispatchQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 1)
	exec := funcExecutor(func(ctx context.Context, t task.Task) error {
		started <- struct{}{}
		<-block
		return nil
	})
	p := startPool(t, Config{Workers: 1, QueueSize: 1, Timeout: time.Minute}, exec, nil)

	if err := p.Dispatch(newTestTask("a")); err != nil {
		t.Fatalf("Dispatch a: %v", err)
	}
	<-started
	if err := p.Dispatch(newTestTask("b")); err != nil {
		t.Fatalf("Dispatch b: %v", err)
	}
	if err := p.Dispatch(newTestTask("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Dispatch c = %v, want ErrQueueFull", err)
	}
}

func TestDispatchBeforeStart(t *testing.T) {
	t.Parallel()
	p := New(Config{}, nil, nopLog(), nil)
	if err := p.Dispatch(newTestTask("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Dispatch = %v, want ErrStopped", err)
	}
}

func TestResizeKeepsQueuedTasks(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, tk task.Task) error {
		started <- tk.ID
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	rep := newRecorder(6)
	p := startPool(t, Config{Workers: 1, QueueSize: 8, Timeout: 5 * time.Second}, exec, rep)
	for _, id := range []string{"q0", "q1", "q2"} {
		if err := p.Dispatch(newTestTask(id)); err != nil {
			t.Fatalf("Dispatch %s: %v", id, err)
		}
	}
	<-started

	applied := make(chan struct{})
	go func() {
		p.Apply(context.Background(), Config{Workers: 2, QueueSize: 8, Timeout: 5 * time.Second})
		close(applied)
	}()
	close(release)
	<-applied

	var success int
	for _, ev := range rep.wait(t) {
		if ev.Kind == KindSuccess {
			success++
		}
		if ev.Kind == KindFailure {
			t.Fatalf("unexpected failure %s", ev)
		}
	}
	if success != 3 {
		t.Fatalf("success = %d, want 3", success)
	}
	if s := p.Snapshot(); s.Workers != 2 {
		t.Fatalf("workers = %d after resize", s.Workers)
	}
}

func TestStopFailsQueuedTasks(t *testing.T) {
	started := make(chan struct{}, 8)
	exec := funcExecutor(func(ctx context.Context, tk task.Task) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	rep := newRecorder(4)
	p := startPool(t, Config{Workers: 1, QueueSize: 8, Timeout: 5 * time.Second}, exec, rep)
	for _, id := range []string{"s0", "s1", "s2"} {
		if err := p.Dispatch(newTestTask(id)); err != nil {
			t.Fatalf("Dispatch %s: %v", id, err)
		}
	}
	<-started
	p.Stop(context.Background())

	failed := map[string]bool{}
	for _, ev := range rep.wait(t) {
		if ev.Kind == KindFailure {
			failed[ev.Task.ID] = true
		}
	}
	if len(failed) != 3 {
		t.Fatalf("failed = %v, want all three tasks", failed)
	}
}
