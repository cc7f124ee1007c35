package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"peersched/internal/eventbus"
	logx "peersched/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&p.inFlight, 1)
			p.execOne(ctx, qt)
			atomic.AddInt32(&p.inFlight, -1)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queued) {
	p.mu.Lock()
	cfg := p.cfg
	reporter := p.reporter
	p.mu.Unlock()

	t := qt.task
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	p.emit(reporter, Event{Kind: KindStart, Task: t, At: start})
	p.log.Debug("task.started", logx.TaskID(t.ID), logx.String("queue", t.QueueName), logx.String("target", t.Target.String()), logx.Duration("queue_delay", queueDelay))

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	var err error
	func() {
		// One bad task must not kill the worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task.panic", logx.TaskID(t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if p.exec == nil {
			err = errors.New("no executor configured")
			return
		}
		err = p.exec.Execute(runCtx, t)
	}()
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timeout after %s: %w", cfg.Timeout, err)
	}
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Queue: t.QueueName, Target: t.Target.String(), Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		item.Error = err.Error()
		p.log.Warn("task.failed", logx.TaskID(t.ID), logx.String("queue", t.QueueName), logx.Err(err), logx.Duration("dur", dur))
		p.emit(reporter, Event{Kind: KindFailure, Task: t, Reason: item.Error, At: time.Now(), Duration: dur})
	} else {
		atomic.AddUint64(&p.succeeded, 1)
		p.log.Info("task.completed", logx.TaskID(t.ID), logx.String("queue", t.QueueName), logx.Duration("dur", dur))
		p.emit(reporter, Event{Kind: KindSuccess, Task: t, At: time.Now(), Duration: dur})
	}
	p.record(item, cfg.HistorySize)
}

func (p *Pool) emit(r Reporter, ev Event) {
	if r != nil {
		r.OnTaskEvent(ev)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "task." + string(ev.Kind), Time: ev.At, Data: ev})
	}
}
