package supervisor

import (
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates every run of the goroutines sharing a name.
type GoroutineStats struct {
	Name     string    `json:"name"`
	Active   int64     `json:"active"`
	Started  uint64    `json:"started"`
	Panics   uint64    `json:"panics"`
	Restarts uint64    `json:"restarts"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop,omitempty"`
}

// Snapshot is what the health endpoint reports about a supervisor.
type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type tracker struct {
	mu     sync.Mutex
	byName map[string]*GoroutineStats
}

func newTracker() *tracker { return &tracker{byName: map[string]*GoroutineStats{}} }

func (t *tracker) get(name string) *GoroutineStats {
	st := t.byName[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.byName[name] = st
	}
	return st
}

func (t *tracker) started(name string, restart bool) {
	t.mu.Lock()
	st := t.get(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	t.mu.Unlock()
}

func (t *tracker) stopped(name string, err error, panicked bool) {
	t.mu.Lock()
	st := t.get(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStop = time.Now()
	if err != nil {
		st.LastErr = err.Error()
	}
	if panicked {
		st.Panics++
	}
	t.mu.Unlock()
}

// Snapshot is safe on a nil supervisor, which reports nothing.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, st := range s.stats.byName {
		snap.Active += st.Active
		snap.Started += st.Started
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}
