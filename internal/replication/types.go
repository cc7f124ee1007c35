package replication

import (
	"errors"
	"net"
	"strconv"
	"time"

	"peersched/internal/task"
)

var (
	ErrSchedulingFailed = errors.New("scheduling failed")
	ErrNoPeers          = errors.New("no peers available")
	ErrBadMessage       = errors.New("malformed replication message")
	ErrStopped          = errors.New("replication scheduler stopped")
)

type Config struct {
	// ReplicaFactor is the number of hosts that arm each task (capped by peer count).
	ReplicaFactor int
	// ReplicaOffset is the extra delay per position in the replica list.
	ReplicaOffset time.Duration
	// AckTimeout bounds how long Schedule waits for every scheduled:<id>.
	AckTimeout time.Duration
	// PortOffset maps a member address to its replication address
	// (same host, port + offset). Zero uses the member address as is.
	PortOffset int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	DefaultReplicaFactor = 2
	DefaultReplicaOffset = 5 * time.Second
	DefaultAckTimeout    = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ReplicaFactor <= 0 {
		c.ReplicaFactor = DefaultReplicaFactor
	}
	if c.ReplicaOffset < 0 {
		c.ReplicaOffset = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	return c
}

// PeerSource is the membership view the scheduler needs.
type PeerSource interface {
	Self() string
	Peers() []string
}

// Dispatcher hands a fired task to local execution.
type Dispatcher interface {
	Dispatch(t task.Task) error
	// Timeout is the bound on one execution; siblings are deferred by it.
	Timeout() time.Duration
}

// Resolver maps a member address to the address of its replication listener.
type Resolver func(member string) string

// PortOffsetResolver keeps the host and shifts the port by offset.
func PortOffsetResolver(offset int) Resolver {
	return func(member string) string {
		if offset == 0 {
			return member
		}
		host, port, err := net.SplitHostPort(member)
		if err != nil {
			return member
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return member
		}
		return net.JoinHostPort(host, strconv.Itoa(p+offset))
	}
}

// Assignment is one armed replica in the local table.
type Assignment struct {
	ID           string        `json:"id"`
	Queue        string        `json:"queue"`
	Target       string        `json:"target"`
	ReplicaHosts []string      `json:"replica_hosts"`
	Offset       time.Duration `json:"offset"`
	FireAt       time.Time     `json:"fire_at"`
	Fired        bool          `json:"fired"`
}

// SelectHosts picks k hosts from peers starting at cursor, wrapping around.
func SelectHosts(peers []string, cursor, k int) []string {
	n := len(peers)
	if n == 0 || k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	cursor %= n
	if cursor < 0 {
		cursor += n
	}
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, peers[(cursor+i)%n])
	}
	return out
}
