package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peersched/internal/eventbus"
	rtsup "peersched/internal/runtime/supervisor"
	"peersched/internal/task"
	logx "peersched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Pool struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	exec     Executor
	reporter Reporter

	q        chan queued
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	// Tasks still queued when the pool was stopped for a resize; Start
	// moves them into the new queue.
	carry []queued

	inFlight  int32
	dropped   uint64
	succeeded uint64
	failed    uint64

	lastDropWarnAt int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queued struct {
	task       task.Task
	enqueuedAt time.Time
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		exec: exec,
	}
}

// SetReporter installs the lifecycle sink. It must be called before Start.
func (p *Pool) SetReporter(r Reporter) {
	p.mu.Lock()
	p.reporter = r
	p.mu.Unlock()
}

// Timeout returns the per-call timeout currently in effect.
func (p *Pool) Timeout() time.Duration {
	p.mu.Lock()
	d := p.cfg.Timeout
	p.mu.Unlock()
	return d
}

// Apply swaps config at runtime; a changed pool size restarts the workers.
func (p *Pool) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		p.log.Info("worker pool resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		p.stop(ctx, true)
		p.Start(ctx)
	}
}

func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}
	cfg := p.cfg
	p.q = make(chan queued, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	queue, stopCh, sup := p.q, p.stopCh, p.sup
	var overflow []queued
	for _, qt := range p.carry {
		select {
		case queue <- qt:
		default:
			overflow = append(overflow, qt)
		}
	}
	p.carry = nil
	p.mu.Unlock()
	p.discard(overflow, "queue shrank on resize")

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	p.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Duration("timeout", cfg.Timeout))
}

// Stop shuts the workers down. In-flight calls are canceled and tasks still
// queued are reported as failures so their replicas are released.
func (p *Pool) Stop(ctx context.Context) { p.stop(ctx, false) }

// stop ends the current worker generation. With resize set the workers
// finish their in-flight call first and the leftover queue is carried over
// to the next Start instead of being failed.
func (p *Pool) stop(ctx context.Context, resize bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup, queue := p.sup, p.q
	p.mu.Unlock()

	if !resize {
		sup.Cancel()
	}
	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		left := drain(queue)
		p.mu.Lock()
		if resize {
			p.carry = append(p.carry, left...)
			left = nil
		}
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		p.discard(left, "worker pool stopped")
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped", logx.Bool("resize", resize))
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

func drain(q chan queued) []queued {
	var out []queued
	for {
		select {
		case qt := <-q:
			out = append(out, qt)
		default:
			return out
		}
	}
}

// discard fails tasks that will never reach a worker.
func (p *Pool) discard(items []queued, reason string) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	reporter, size := p.reporter, p.cfg.HistorySize
	p.mu.Unlock()
	now := time.Now()
	for _, qt := range items {
		t := qt.task
		atomic.AddUint64(&p.failed, 1)
		p.record(HistoryItem{ID: t.ID, Queue: t.QueueName, Target: t.Target.String(), Started: now, QueueDelay: now.Sub(qt.enqueuedAt), Error: reason}, size)
		p.emit(reporter, Event{Kind: KindFailure, Task: t, Reason: reason, At: now})
	}
	p.log.Warn("queued tasks discarded", logx.Int("count", len(items)), logx.String("reason", reason))
}

// Dispatch enqueues t without blocking. A full queue drops the task; its
// sibling replicas remain armed and will retry it.
func (p *Pool) Dispatch(t task.Task) error {
	// The send happens under mu so a concurrent stop drains everything
	// that was accepted.
	p.mu.Lock()
	q := p.q
	if q == nil || p.stopCh == nil || p.stopDone != nil {
		p.mu.Unlock()
		return ErrStopped
	}
	var accepted bool
	select {
	case q <- queued{task: t, enqueuedAt: time.Now()}:
		accepted = true
	default:
	}
	p.mu.Unlock()

	if accepted {
		return nil
	}
	atomic.AddUint64(&p.dropped, 1)
	now := time.Now()
	if p.shouldWarn(now) {
		p.log.Warn("task dropped: queue full", logx.TaskID(t.ID), logx.String("queue", t.QueueName), logx.Int("queue_cap", cap(q)))
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: HistoryItem{ID: t.ID, Queue: t.QueueName, Target: t.Target.String(), Started: now, Error: "queue_full"}})
	}
	return ErrQueueFull
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	s := Snapshot{
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&p.inFlight)),
		Timeout:   cfg.Timeout,
		Dropped:   atomic.LoadUint64(&p.dropped),
		Succeeded: atomic.LoadUint64(&p.succeeded),
		Failed:    atomic.LoadUint64(&p.failed),
		History:   h,
	}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	return s
}

func (p *Pool) shouldWarn(now time.Time) bool {
	prev := atomic.LoadInt64(&p.lastDropWarnAt)
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(&p.lastDropWarnAt, prev, n)
}

func (p *Pool) record(item HistoryItem, size int) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}
