package task

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

var ErrInvalidTask = errors.New("invalid task")

// Target is where a task is delivered: either an HTTP URL or a set of RPC
// endpoint addresses. Exactly one side is set.
type Target struct {
	URL       string
	Endpoints []string
}

func URLTarget(u string) Target { return Target{URL: u} }

func RPCTarget(endpoints ...string) Target {
	return Target{Endpoints: append([]string(nil), endpoints...)}
}

func (t Target) IsHTTP() bool { return t.URL != "" }
func (t Target) IsRPC() bool  { return t.URL == "" && len(t.Endpoints) > 0 }

// Key identifies the exact endpoint set; order does not matter.
func (t Target) Key() string {
	if t.IsHTTP() {
		return t.URL
	}
	eps := append([]string(nil), t.Endpoints...)
	sort.Strings(eps)
	return strings.Join(eps, ",")
}

func (t Target) String() string {
	if t.IsHTTP() {
		return t.URL
	}
	return "rpc://" + t.Key()
}

func (t Target) Validate() error {
	switch {
	case t.URL != "" && len(t.Endpoints) > 0:
		return fmt.Errorf("%w: target has both url and endpoints", ErrInvalidTask)
	case t.URL != "":
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("%w: target url: %v", ErrInvalidTask, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: target url scheme %q", ErrInvalidTask, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: target url has no host", ErrInvalidTask)
		}
	case len(t.Endpoints) > 0:
		for _, ep := range t.Endpoints {
			if strings.TrimSpace(ep) == "" {
				return fmt.Errorf("%w: empty rpc endpoint", ErrInvalidTask)
			}
		}
	default:
		return fmt.Errorf("%w: target required", ErrInvalidTask)
	}
	return nil
}

// Task is one asynchronous job.
//
// ReplicaOffset is the extra delay this copy waits on top of its ETA; the
// scheduler sets it per replica host so copies fire staggered.
type Task struct {
	ID            string
	QueueName     string
	Target        Target
	Method        string
	ETA           *time.Time
	ReplicaOffset time.Duration
	Params        map[string]string
	ReplicaHosts  []string
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidTask)
	}
	if strings.ContainsAny(t.ID, ":\n\r") {
		return fmt.Errorf("%w: id must not contain ':' or newlines", ErrInvalidTask)
	}
	if t.ReplicaOffset < 0 {
		return fmt.Errorf("%w: negative replica offset", ErrInvalidTask)
	}
	return t.Target.Validate()
}

// Clone returns a deep copy so per-host snapshots never share maps or slices.
func (t Task) Clone() Task {
	cp := t
	if t.ETA != nil {
		eta := *t.ETA
		cp.ETA = &eta
	}
	cp.Target.Endpoints = append([]string(nil), t.Target.Endpoints...)
	if t.Params != nil {
		cp.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.ReplicaHosts != nil {
		cp.ReplicaHosts = append([]string(nil), t.ReplicaHosts...)
	}
	return cp
}

// WithETA returns a copy with the ETA replaced.
func (t Task) WithETA(eta time.Time) Task {
	cp := t.Clone()
	cp.ETA = &eta
	return cp
}

// FireDelay is how long this copy waits from now: max(0, eta-now) + offset.
func (t Task) FireDelay(now time.Time) time.Duration {
	var d time.Duration
	if t.ETA != nil {
		d = t.ETA.Sub(now)
		if d < 0 {
			d = 0
		}
	}
	return d + t.ReplicaOffset
}

// Siblings returns ReplicaHosts without self, in order.
func (t Task) Siblings(self string) []string {
	out := make([]string, 0, len(t.ReplicaHosts))
	for _, h := range t.ReplicaHosts {
		if h != self {
			out = append(out, h)
		}
	}
	return out
}
