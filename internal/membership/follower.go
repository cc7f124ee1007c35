package membership

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "peersched/pkg/logx"
)

// followLoop keeps this node attached to a leader until ctx ends or this node
// becomes the leader itself. Only an undecodable payload is fatal.
func (s *Service) followLoop(ctx context.Context, leader string) error {
	for {
		err := s.followOnce(ctx, leader)
		if ctx.Err() != nil {
			return nil
		}
		var rd *RedirectError
		switch {
		case errors.As(err, &rd):
			s.log.Info("redirected to leader", logx.String("from", leader), logx.String("leader", rd.Leader))
			leader = rd.Leader
			if leader == s.self {
				s.promote()
				return nil
			}
			s.setLeader(leader)
			// Two stale followers can bounce redirects between each other.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.ConnectBackoff):
			}
		case errors.Is(err, ErrBadPayload):
			s.log.Error("membership payload rejected", logx.String("leader", leader), logx.Err(err))
			return err
		default:
			next := s.dropLeader(leader)
			s.log.Warn("leader lost; re-electing", logx.String("lost", leader), logx.String("leader", next), logx.Err(err))
			if next == s.self {
				s.promote()
				return nil
			}
			leader = next
		}
	}
}

func (s *Service) setLeader(leader string) {
	s.mu.Lock()
	s.leader = leader
	s.members[leader] = struct{}{}
	s.mu.Unlock()
}

// dropLeader removes lost from the local view and returns the deterministic
// successor (smallest remaining address).
func (s *Service) dropLeader(lost string) string {
	s.mu.Lock()
	delete(s.members, lost)
	s.members[s.self] = struct{}{}
	next := NextLeader(sortedKeys(s.members), lost)
	s.leader = next
	s.mu.Unlock()
	s.notify()
	return next
}

func (s *Service) dial(ctx context.Context, leader string) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	backoff := s.cfg.ConnectBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectRetries; attempt++ {
		c, err := d.DialContext(ctx, "tcp", leader)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt == s.cfg.ConnectRetries {
			break
		}
		s.log.Debug("leader dial failed", logx.String("leader", leader), logx.Int("attempt", attempt), logx.Duration("backoff", backoff), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ConnectBackoffMax {
			backoff = s.cfg.ConnectBackoffMax
		}
	}
	return nil, fmt.Errorf("dial leader %s: %w", leader, lastErr)
}

// followOnce runs one leader connection to completion.
func (s *Service) followOnce(ctx context.Context, leader string) error {
	c, err := s.dial(ctx, leader)
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if _, err := c.Write([]byte(s.self + "\n")); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	hbDone := make(chan struct{})
	defer close(hbDone)
	go s.heartbeat(c, hbDone)

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var members []string
		if err := json.Unmarshal([]byte(line), &members); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		switch len(members) {
		case 0:
			return fmt.Errorf("%w: empty member list", ErrBadPayload)
		case 1:
			return &RedirectError{Leader: members[0]}
		default:
			s.replaceView(leader, members)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("leader connection lost: %w", err)
	}
	return errors.New("leader closed connection")
}

func (s *Service) heartbeat(c net.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			_ = c.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
			if _, err := c.Write([]byte("\n")); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (s *Service) replaceView(leader string, members []string) {
	next := make(map[string]struct{}, len(members)+1)
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			next[m] = struct{}{}
		}
	}
	s.mu.Lock()
	next[s.self] = struct{}{}
	s.leader = leader
	s.members = next
	s.mu.Unlock()
	s.notify()
}
