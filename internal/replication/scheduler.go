package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"peersched/internal/eventbus"
	rtsup "peersched/internal/runtime/supervisor"
	"peersched/internal/task"
	logx "peersched/pkg/logx"
)

// maxLine bounds one protocol line; a base64 task with large params fits.
const maxLine = 4 << 20

type Scheduler struct {
	cfgMu sync.RWMutex
	cfg   Config

	log     logx.Logger
	bus     eventbus.Bus
	members PeerSource
	pool    Dispatcher
	resolve Resolver
	now     func() time.Time

	issued atomic.Uint64
	links  *linkSet
	table  *table
	acks   *ackRegistry

	mu      sync.Mutex
	ln      net.Listener
	sup     *rtsup.Supervisor
	inbound map[*link]struct{}
	stopped bool
}

func New(cfg Config, members PeerSource, pool Dispatcher, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		members: members,
		pool:    pool,
		resolve: PortOffsetResolver(cfg.PortOffset),
		now:     time.Now,
		acks:    newAckRegistry(),
		inbound: make(map[*link]struct{}),
	}
	s.table = newTable(s.now, s.fire)
	s.links = newLinkSet(s.resolve, s.startLink)
	return s
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Apply swaps the tunables at runtime. PortOffset only takes effect on restart.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	prev := s.cfg
	cfg.PortOffset = prev.PortOffset
	s.cfg = cfg
	s.cfgMu.Unlock()
	if prev != cfg {
		s.log.Info("replication config applied",
			logx.Int("replica_factor", cfg.ReplicaFactor),
			logx.Duration("replica_offset", cfg.ReplicaOffset),
			logx.Duration("ack_timeout", cfg.AckTimeout),
		)
	}
}

// Listen binds addr and serves until ctx ends or Stop is called.
func (s *Scheduler) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replication listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve takes ownership of ln and starts accepting peers. It returns at once.
func (s *Scheduler) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("replication scheduler already started")
	}
	s.ln = ln
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	context.AfterFunc(sup.Context(), func() { _ = ln.Close() })
	sup.Go0("replication.accept", s.acceptLoop)
	s.log.Info("replication listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listener address, empty before Serve.
func (s *Scheduler) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.sup == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	inbound := s.inbound
	s.inbound = make(map[*link]struct{})
	s.mu.Unlock()

	s.table.close()
	s.links.closeAll()
	for l := range inbound {
		l.close()
	}
	err := sup.Stop(ctx)
	s.log.Info("replication stopped")
	return err
}

func (s *Scheduler) acceptLoop(ctx context.Context) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("replication accept failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		l := newLink(conn.RemoteAddr().String(), conn, s.config().WriteTimeout)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			l.close()
			return
		}
		s.inbound[l] = struct{}{}
		s.mu.Unlock()
		s.sup.Go0("replication.inbound", func(ctx context.Context) {
			s.readLoop(ctx, l)
			s.mu.Lock()
			delete(s.inbound, l)
			s.mu.Unlock()
		})
	}
}

// startLink runs the read loop of a freshly dialed outbound link.
func (s *Scheduler) startLink(l *link) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		l.close()
		return
	}
	sup.Go0("replication.link", func(ctx context.Context) {
		s.readLoop(ctx, l)
		s.links.forget(l.peer, l)
	})
}

func (s *Scheduler) readLoop(ctx context.Context, l *link) {
	stop := context.AfterFunc(ctx, l.close)
	defer stop()
	defer l.close()

	sc := bufio.NewScanner(l.conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			s.log.Warn("replication message dropped", logx.Peer(l.peer), logx.Err(err))
			continue
		}
		s.handle(l, msg)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && l.alive() {
		s.log.Debug("replication link read failed", logx.Peer(l.peer), logx.Err(err))
	}
}

func (s *Scheduler) handle(l *link, m Message) {
	switch m.Verb {
	case VerbSchedule:
		fireAt := s.table.arm(m.Task)
		if fireAt.IsZero() {
			s.log.Debug("replica refused, scheduler stopping", logx.TaskID(m.ID), logx.Peer(l.peer))
			return
		}
		s.log.Debug("replica armed",
			logx.TaskID(m.ID),
			logx.Duration("offset", m.Task.ReplicaOffset),
			logx.Time("fire_at", fireAt),
		)
		if err := l.send(scheduledLine(m.ID)); err != nil {
			s.log.Warn("replication ack failed", logx.TaskID(m.ID), logx.Peer(l.peer), logx.Err(err))
		}
	case VerbScheduled:
		if !s.acks.deliver(m.ID, l.peer) {
			s.log.Debug("late ack dropped", logx.TaskID(m.ID), logx.Peer(l.peer))
		}
	case VerbCancel:
		if s.table.drop(m.ID) {
			s.log.Debug("replica cancelled", logx.TaskID(m.ID))
		}
	case VerbReschedule:
		if s.table.reschedule(m.ID, m.ETA) {
			s.log.Debug("replica rescheduled", logx.TaskID(m.ID), logx.Time("eta", m.ETA))
		}
	}
}

// fire runs on the timer goroutine of an armed replica.
func (s *Scheduler) fire(t task.Task) {
	if err := s.pool.Dispatch(t); err != nil {
		s.table.drop(t.ID)
		s.log.Warn("replica dispatch failed", logx.TaskID(t.ID), logx.Err(err))
		return
	}
	s.publish("replication.fired", t.ID)
}

// Schedule arms t on ReplicaFactor peers chosen round-robin and waits for
// every ack. On failure the hosts that did ack keep their replica armed.
func (s *Scheduler) Schedule(ctx context.Context, t task.Task) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	started, stopped := s.sup != nil, s.stopped
	s.mu.Unlock()
	if !started || stopped {
		return nil, ErrStopped
	}

	peers := s.members.Peers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	cfg := s.config()
	cursor := int((s.issued.Add(1) - 1) % uint64(len(peers)))
	hosts := SelectHosts(peers, cursor, cfg.ReplicaFactor)

	t = t.Clone()
	t.ReplicaHosts = hosts
	base := t.ReplicaOffset

	lines := make([]string, len(hosts))
	for i := range hosts {
		cp := t.Clone()
		cp.ReplicaOffset = base + time.Duration(i)*cfg.ReplicaOffset
		line, err := scheduleLine(cp)
		if err != nil {
			return hosts, err
		}
		lines[i] = line
	}

	w := s.acks.register(t.ID, hosts)
	defer s.acks.unregister(t.ID, w)

	wctx, cancel := context.WithTimeout(ctx, cfg.AckTimeout)
	defer cancel()

	var g errgroup.Group
	for i, h := range hosts {
		g.Go(func() error {
			l, err := s.links.dial(wctx, h, cfg.DialTimeout, cfg.WriteTimeout)
			if err != nil {
				return fmt.Errorf("%s: %w", h, err)
			}
			if err := l.send(lines[i]); err != nil {
				return fmt.Errorf("%s: %w", h, err)
			}
			return nil
		})
	}
	sendErr := g.Wait()

	select {
	case <-w.done:
	case <-wctx.Done():
	}

	if missing := w.missing(hosts); len(missing) > 0 {
		err := fmt.Errorf("%w: %d/%d replicas acked, missing %v", ErrSchedulingFailed, len(hosts)-len(missing), len(hosts), missing)
		if sendErr != nil {
			err = fmt.Errorf("%w: %v", err, sendErr)
		}
		s.log.Warn("schedule incomplete", logx.TaskID(t.ID), logx.Strings("missing", missing), logx.Err(err))
		return hosts, err
	}
	s.log.Info("task scheduled",
		logx.TaskID(t.ID),
		logx.String("queue", t.QueueName),
		logx.Strings("hosts", hosts),
	)
	s.publish("replication.scheduled", t.ID)
	return hosts, nil
}

// SyncPeers reconciles outbound links with a membership view: links to
// departed members are closed and missing ones are dialed in the background.
func (s *Scheduler) SyncPeers(members []string) {
	s.mu.Lock()
	sup, stopped := s.sup, s.stopped
	s.mu.Unlock()
	if sup == nil || stopped {
		return
	}
	missing := s.links.retain(members)
	if len(missing) == 0 {
		return
	}
	cfg := s.config()
	sup.Go0("replication.sync", func(ctx context.Context) {
		for _, m := range missing {
			if _, err := s.links.dial(ctx, m, cfg.DialTimeout, cfg.WriteTimeout); err != nil {
				s.log.Debug("replication dial failed", logx.Peer(m), logx.Err(err))
			}
		}
	})
}

// Snapshot lists the replicas armed on this node, soonest first.
func (s *Scheduler) Snapshot() []Assignment { return s.table.snapshot() }

// Assignment returns the armed replica for id, if any.
func (s *Scheduler) Assignment(id string) (Assignment, bool) { return s.table.get(id) }

func (s *Scheduler) publish(typ, id string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: id})
}
