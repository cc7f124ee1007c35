package replication

import "sync"

// waiter tracks the hosts one Schedule call still expects an ack from.
type waiter struct {
	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
}

func (w *waiter) ack(host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[host]; !ok {
		return
	}
	delete(w.pending, host)
	if len(w.pending) == 0 {
		close(w.done)
	}
}

func (w *waiter) missing(order []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, h := range order {
		if _, ok := w.pending[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

type ackRegistry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{waiters: make(map[string]*waiter)}
}

func (r *ackRegistry) register(id string, hosts []string) *waiter {
	w := &waiter{pending: make(map[string]struct{}, len(hosts)), done: make(chan struct{})}
	for _, h := range hosts {
		w.pending[h] = struct{}{}
	}
	if len(w.pending) == 0 {
		close(w.done)
	}
	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()
	return w
}

func (r *ackRegistry) unregister(id string, w *waiter) {
	r.mu.Lock()
	if r.waiters[id] == w {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
}

// deliver reports whether anyone was waiting for this ack.
func (r *ackRegistry) deliver(id, host string) bool {
	r.mu.Lock()
	w := r.waiters[id]
	r.mu.Unlock()
	if w == nil {
		return false
	}
	w.ack(host)
	return true
}
