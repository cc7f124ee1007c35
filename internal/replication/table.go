package replication

import (
	"sort"
	"sync"
	"time"

	"peersched/internal/task"
)

type entry struct {
	task   task.Task
	gen    uint64
	timer  *time.Timer
	fireAt time.Time
	fired  bool
}

// table holds the replicas armed on this node. Every re-arm bumps the
// entry generation so a timer that already left the runtime heap but has
// not taken the lock yet is ignored.
type table struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool
	now     func() time.Time
	fire    func(task.Task)
}

func newTable(now func() time.Time, fire func(task.Task)) *table {
	return &table{entries: make(map[string]*entry), now: now, fire: fire}
}

// arm records t and starts its timer, replacing any entry with the same id.
func (tb *table) arm(t task.Task) time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return time.Time{}
	}
	if old := tb.entries[t.ID]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{task: t}
	tb.entries[t.ID] = e
	tb.startLocked(e)
	return e.fireAt
}

func (tb *table) startLocked(e *entry) {
	tb.gen++
	gen := tb.gen
	id := e.task.ID
	now := tb.now()
	delay := e.task.FireDelay(now)
	e.gen = gen
	e.fired = false
	e.fireAt = now.Add(delay)
	e.timer = time.AfterFunc(delay, func() { tb.fired(id, gen) })
}

func (tb *table) fired(id string, gen uint64) {
	tb.mu.Lock()
	e := tb.entries[id]
	if tb.closed || e == nil || e.gen != gen {
		tb.mu.Unlock()
		return
	}
	e.fired = true
	t := e.task.Clone()
	tb.mu.Unlock()
	tb.fire(t)
}

// reschedule moves the eta of an armed replica; the copy keeps its offset.
func (tb *table) reschedule(id string, eta time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e := tb.entries[id]
	if tb.closed || e == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.task = e.task.WithETA(eta)
	tb.startLocked(e)
	return true
}

// drop disarms and forgets id. Unknown ids are ignored.
func (tb *table) drop(id string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e := tb.entries[id]
	if e == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(tb.entries, id)
	return true
}

func (tb *table) get(id string) (Assignment, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e := tb.entries[id]
	if e == nil {
		return Assignment{}, false
	}
	return e.assignment(), true
}

func (tb *table) snapshot() []Assignment {
	tb.mu.Lock()
	out := make([]Assignment, 0, len(tb.entries))
	for _, e := range tb.entries {
		out = append(out, e.assignment())
	}
	tb.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// close stops every timer; later arms are ignored.
func (tb *table) close() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.closed = true
	for id, e := range tb.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(tb.entries, id)
	}
}

func (e *entry) assignment() Assignment {
	return Assignment{
		ID:           e.task.ID,
		Queue:        e.task.QueueName,
		Target:       e.task.Target.String(),
		ReplicaHosts: append([]string(nil), e.task.ReplicaHosts...),
		Offset:       e.task.ReplicaOffset,
		FireAt:       e.fireAt,
		Fired:        e.fired,
	}
}
