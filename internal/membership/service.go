package membership

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"peersched/internal/eventbus"
	rtsup "peersched/internal/runtime/supervisor"
	logx "peersched/pkg/logx"
)

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	self      string
	leader    string
	members   map[string]struct{}
	peers     map[string]*peerConn // leader side: connected followers
	callbacks []func(View)
	ln        net.Listener
	sup       *rtsup.Supervisor
	closed    bool

	// Serializes callback delivery so observers see views in order.
	notifyMu sync.Mutex
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		members: map[string]struct{}{},
		peers:   map[string]*peerConn{},
	}
}

// OnViewChange registers cb; it runs after every local view change, outside
// the service lock.
func (s *Service) OnViewChange(cb func(View)) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Join binds the membership listener on self and joins the cluster led by
// leader. Joining with self == leader bootstraps a new cluster.
func (s *Service) Join(ctx context.Context, self, leader string) error {
	ln, err := net.Listen("tcp", self)
	if err != nil {
		return fmt.Errorf("membership listen %s: %w", self, err)
	}
	return s.Serve(ctx, ln, self, leader)
}

// Serve is Join on an already bound listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener, self, leader string) error {
	self, leader = strings.TrimSpace(self), strings.TrimSpace(leader)
	if self == "" {
		_ = ln.Close()
		return fmt.Errorf("membership: self address required")
	}
	if leader == "" {
		leader = self
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	if s.sup != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("membership: already joined")
	}
	s.self = self
	s.leader = leader
	s.members = map[string]struct{}{self: {}, leader: {}}
	s.ln = ln
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(true))
	sup := s.sup
	s.mu.Unlock()

	context.AfterFunc(sup.Context(), func() { _ = ln.Close() })
	sup.Go("membership.accept", func(c context.Context) error { return s.acceptLoop(c, ln) })

	if self == leader {
		s.log.Info("bootstrapping cluster as leader", logx.String("self", self))
		s.promote()
		return nil
	}

	s.log.Info("joining cluster", logx.String("self", self), logx.String("leader", leader))
	sup.Go("membership.follow", func(c context.Context) error { return s.followLoop(c, leader) })
	return nil
}

func (s *Service) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Service) Leader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// Peers returns the sorted member addresses, self included.
func (s *Service) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.members)
}

func (s *Service) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Service) viewLocked() View {
	return View{Self: s.self, Leader: s.leader, Members: sortedKeys(s.members)}
}

// Done is closed when the service stops, including on a fatal error.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the fatal error that stopped the service, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sup := s.sup
	peers := s.peers
	s.peers = map[string]*peerConn{}
	s.mu.Unlock()

	for _, pc := range peers {
		pc.close()
	}
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// notify delivers the current view to callbacks and the bus.
func (s *Service) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	v := s.viewLocked()
	cbs := make([]func(View), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	s.log.Debug("view changed", logx.String("leader", v.Leader), logx.Strings("members", v.Members))
	for _, cb := range cbs {
		cb(v)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "membership.view", Time: time.Now(), Data: v})
	}
}
