package storage

import (
	"context"
	"time"

	"peersched/internal/eventbus"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

// Recorder turns terminal worker events from the bus into execution records.
type Recorder struct {
	store Store
	node  string
	log   logx.Logger
}

func NewRecorder(store Store, node string, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, node: node, log: log}
}

// Run consumes ch until ctx ends or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			rec, ok := r.record(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.store.AppendExecution(wctx, rec); err != nil {
				r.log.Warn("execution record failed", logx.TaskID(rec.TaskID), logx.Err(err))
			}
			cancel()
		}
	}
}

func (r *Recorder) record(e eventbus.Event) (ExecutionRecord, bool) {
	switch d := e.Data.(type) {
	case worker.Event:
		if d.Kind == worker.KindStart {
			return ExecutionRecord{}, false
		}
		return ExecutionRecord{
			At:       d.At,
			TaskID:   d.Task.ID,
			Queue:    d.Task.QueueName,
			Target:   d.Task.Target.String(),
			Kind:     string(d.Kind),
			Reason:   d.Reason,
			Duration: d.Duration,
			Node:     r.node,
		}, true
	case worker.HistoryItem:
		return ExecutionRecord{
			At:     d.Started,
			TaskID: d.ID,
			Queue:  d.Queue,
			Target: d.Target,
			Kind:   "dropped",
			Reason: d.Error,
			Node:   r.node,
		}, true
	}
	return ExecutionRecord{}, false
}
