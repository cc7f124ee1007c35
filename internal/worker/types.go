package worker

import (
	"context"
	"errors"
	"time"

	"peersched/internal/task"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
)

// Config controls the pool.
type Config struct {
	Workers   int
	QueueSize int

	// Timeout bounds a single remote call. The scheduler also uses it to
	// defer sibling replicas when a call starts.
	Timeout time.Duration

	HistorySize int
}

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultTimeout     = 5 * time.Second
	DefaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

type Kind string

const (
	KindStart   Kind = "start"
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Event is one execution lifecycle signal.
type Event struct {
	Kind     Kind
	Task     task.Task
	Reason   string
	At       time.Time
	Duration time.Duration
}

// String renders the local handoff line form: start:<id>, success:<id>,
// failure:<id>:<reason>.
func (e Event) String() string {
	s := string(e.Kind) + ":" + e.Task.ID
	if e.Kind == KindFailure {
		s += ":" + e.Reason
	}
	return s
}

// Reporter receives lifecycle events for every dispatched task.
type Reporter interface {
	OnTaskEvent(ev Event)
}

// Executor performs the remote call for a task.
type Executor interface {
	Execute(ctx context.Context, t task.Task) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	Target     string        `json:"target"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int           `json:"in_flight"`
	Timeout   time.Duration `json:"timeout"`
	Dropped   uint64        `json:"dropped"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	History   []HistoryItem `json:"history"`
}
