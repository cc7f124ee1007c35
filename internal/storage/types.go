package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention caps how many records Recent can return (file ring size,
	// sqlite rows kept). 0 means DefaultRetention.
	Retention int
}

const DefaultRetention = 1000

func (c Config) retention() int {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

// ExecutionRecord is one finished (or dropped) execution.
type ExecutionRecord struct {
	At       time.Time     `json:"at"`
	TaskID   string        `json:"task_id"`
	Queue    string        `json:"queue"`
	Target   string        `json:"target"`
	Kind     string        `json:"kind"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	Node     string        `json:"node"`
}
