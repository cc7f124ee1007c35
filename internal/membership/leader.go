package membership

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	logx "peersched/pkg/logx"
)

type peerConn struct {
	addr string
	conn net.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (p *peerConn) send(line []byte, timeout time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := p.conn.Write(line)
	return err
}

func (p *peerConn) close() { p.once.Do(func() { _ = p.conn.Close() }) }

func encodeMembers(members []string) []byte {
	b, _ := json.Marshal(members)
	return append(b, '\n')
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("membership accept failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		go s.handleConn(ctx, c)
	}
}

// handleConn serves one inbound member connection.
func (s *Service) handleConn(ctx context.Context, c net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	r := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	hello, err := r.ReadString('\n')
	addr := strings.TrimSpace(hello)
	if err != nil || addr == "" {
		_ = c.Close()
		return
	}

	s.mu.Lock()
	if s.leader != s.self {
		leader := s.leader
		s.mu.Unlock()
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
		_, _ = c.Write(encodeMembers([]string{leader}))
		_ = c.Close()
		s.log.Debug("redirected member", logx.Peer(addr), logx.String("leader", leader))
		return
	}
	pc := &peerConn{addr: addr, conn: c}
	if old := s.peers[addr]; old != nil {
		old.close()
	}
	s.peers[addr] = pc
	_, known := s.members[addr]
	s.members[addr] = struct{}{}
	s.mu.Unlock()

	if !known {
		s.log.Info("member joined", logx.Peer(addr))
	}
	s.broadcast()
	if !known {
		s.notify()
	}

	for {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if _, err := r.ReadString('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("member heartbeat timeout", logx.Peer(addr), logx.Duration("idle", s.cfg.IdleTimeout))
			}
			break
		}
	}
	pc.close()

	s.mu.Lock()
	removed := false
	if s.peers[addr] == pc {
		delete(s.peers, addr)
		if s.leader == s.self && addr != s.self {
			delete(s.members, addr)
			removed = true
		}
	}
	s.mu.Unlock()
	if removed {
		s.log.Info("member left", logx.Peer(addr))
		s.broadcast()
		s.notify()
	}
}

// broadcast sends the full member list to every connected follower.
func (s *Service) broadcast() {
	s.mu.Lock()
	if s.leader != s.self {
		s.mu.Unlock()
		return
	}
	line := encodeMembers(sortedKeys(s.members))
	conns := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		if err := pc.send(line, s.cfg.IdleTimeout); err != nil {
			s.log.Debug("view broadcast failed", logx.Peer(pc.addr), logx.Err(err))
			pc.close()
		}
	}
}

// promote makes this node the leader of its current view. Members inherited
// from the previous view that never connect within IdleTimeout are pruned.
func (s *Service) promote() {
	s.mu.Lock()
	s.leader = s.self
	s.members[s.self] = struct{}{}
	pending := len(s.members) > 1
	s.mu.Unlock()

	s.log.Info("acting as leader", logx.String("self", s.self))
	s.notify()
	if pending {
		time.AfterFunc(s.cfg.IdleTimeout, s.pruneUnconnected)
	}
}

func (s *Service) pruneUnconnected() {
	s.mu.Lock()
	if s.closed || s.leader != s.self {
		s.mu.Unlock()
		return
	}
	var pruned []string
	for m := range s.members {
		if m != s.self && s.peers[m] == nil {
			delete(s.members, m)
			pruned = append(pruned, m)
		}
	}
	s.mu.Unlock()
	if len(pruned) == 0 {
		return
	}
	s.log.Info("pruned members that never reconnected", logx.Strings("members", pruned))
	s.broadcast()
	s.notify()
}
