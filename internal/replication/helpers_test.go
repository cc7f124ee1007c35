package replication

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"peersched/internal/task"
	logx "peersched/pkg/logx"
)

type staticPeers struct {
	self  string
	peers []string
}

func (p staticPeers) Self() string    { return p.self }
func (p staticPeers) Peers() []string { return append([]string(nil), p.peers...) }

type firedTask struct {
	task task.Task
	at   time.Time
}

type fakePool struct {
	timeout time.Duration

	mu  sync.Mutex
	got []firedTask
}

func (p *fakePool) Dispatch(t task.Task) error {
	p.mu.Lock()
	p.got = append(p.got, firedTask{task: t, at: time.Now()})
	p.mu.Unlock()
	return nil
}

func (p *fakePool) Timeout() time.Duration { return p.timeout }

func (p *fakePool) fired() []firedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]firedTask(nil), p.got...)
}

type testNode struct {
	addr  string
	sched *Scheduler
	pool  *fakePool
}

func testConfig() Config {
	return Config{
		ReplicaFactor: 2,
		ReplicaOffset: time.Hour,
		AckTimeout:    time.Second,
		DialTimeout:   500 * time.Millisecond,
		WriteTimeout:  500 * time.Millisecond,
	}
}

// newCluster starts n schedulers on loopback, each seeing all n as peers.
// Member addresses double as replication addresses (PortOffset 0).
func newCluster(t *testing.T, n int, cfg Config) []*testNode {
	t.Helper()
	lns := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		lns[i] = ln
		addrs[i] = ln.Addr().String()
	}
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)

	nodes := make([]*testNode, n)
	for i, ln := range lns {
		pool := &fakePool{timeout: time.Minute}
		s := New(cfg, staticPeers{self: addrs[i], peers: sorted}, pool, logx.Nop(), nil)
		if err := s.Serve(context.Background(), ln); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		t.Cleanup(func() { _ = s.Stop(context.Background()) })
		nodes[i] = &testNode{addr: addrs[i], sched: s, pool: pool}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].addr < nodes[j].addr })
	return nodes
}

func nodeFor(t *testing.T, nodes []*testNode, addr string) *testNode {
	t.Helper()
	for _, n := range nodes {
		if n.addr == addr {
			return n
		}
	}
	t.Fatalf("no node %s", addr)
	return nil
}

func newTask(id string, eta time.Time) task.Task {
	return task.Task{
		ID:        id,
		QueueName: "default",
		Target:    task.URLTarget("http://127.0.0.1:1/hook"),
		Method:    "POST",
		ETA:       &eta,
		Params:    map[string]string{"k": "v"},
	}
}

func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
