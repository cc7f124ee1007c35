package membership

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrBadPayload = errors.New("membership: undecodable leader payload")
	ErrClosed     = errors.New("membership: service closed")
)

// RedirectError is returned internally when a contacted node is not the leader.
type RedirectError struct {
	Leader string
}

func (e *RedirectError) Error() string { return "membership: redirected to " + e.Leader }

type Config struct {
	// Heartbeat is the follower keep-alive interval.
	Heartbeat time.Duration
	// IdleTimeout drops a follower connection that sent nothing for this long.
	IdleTimeout time.Duration
	// ConnectRetries bounds dial attempts against one leader before it is
	// treated as lost.
	ConnectRetries    int
	ConnectBackoff    time.Duration
	ConnectBackoffMax time.Duration
	DialTimeout       time.Duration
}

const (
	DefaultHeartbeat      = 5 * time.Second
	DefaultIdleTimeout    = 10 * time.Second
	DefaultConnectRetries = 5
)

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 250 * time.Millisecond
	}
	if c.ConnectBackoffMax < c.ConnectBackoff {
		c.ConnectBackoffMax = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	return c
}

// View is a node's local picture of the cluster.
type View struct {
	Self    string   `json:"self"`
	Leader  string   `json:"leader"`
	Members []string `json:"members"`
}

func (v View) Contains(addr string) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

func (v View) IsLeader() bool { return v.Self != "" && v.Self == v.Leader }

// NextLeader returns the smallest address in members after removing lost.
// It returns "" when nothing remains.
func NextLeader(members []string, lost string) string {
	next := ""
	for _, m := range members {
		if m == lost {
			continue
		}
		if next == "" || m < next {
			next = m
		}
	}
	return next
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
