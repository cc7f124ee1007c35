package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"peersched/internal/task"
)

// RPCRequest is the single JSON line sent to an RPC endpoint.
type RPCRequest struct {
	ID     string            `json:"id"`
	Queue  string            `json:"queue"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// RPCReply is the single JSON line expected back.
type RPCReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RPCExecutor caches one request/reply socket per exact endpoint set.
type RPCExecutor struct {
	mu      sync.Mutex
	sockets map[string]*reqSocket
	dialer  net.Dialer
}

func NewRPCExecutor() *RPCExecutor {
	return &RPCExecutor{sockets: map[string]*reqSocket{}}
}

func (e *RPCExecutor) socket(t task.Target) *reqSocket {
	key := t.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sockets[key]
	if s == nil {
		s = newReqSocket(t.Endpoints, &e.dialer)
		e.sockets[key] = s
	}
	return s
}

func (e *RPCExecutor) Execute(ctx context.Context, t task.Task) error {
	payload, err := json.Marshal(RPCRequest{ID: t.ID, Queue: t.QueueName, Method: t.Method, Params: t.Params})
	if err != nil {
		return err
	}
	line, err := e.socket(t.Target).exchange(ctx, payload)
	if err != nil {
		return err
	}
	var reply RPCReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("rpc reply: %w", err)
	}
	if !reply.OK {
		if reply.Error == "" {
			reply.Error = "unsuccessful reply"
		}
		return fmt.Errorf("rpc: %s", reply.Error)
	}
	return nil
}

func (e *RPCExecutor) Close() error {
	e.mu.Lock()
	socks := e.sockets
	e.sockets = map[string]*reqSocket{}
	e.mu.Unlock()
	for _, s := range socks {
		s.close()
	}
	return nil
}

// reqSocket is a strict request/reply connection: one outstanding exchange at
// a time, and any failed exchange discards the connection so the next call
// starts clean on the next endpoint.
type reqSocket struct {
	lock      chan struct{}
	endpoints []string
	dialer    *net.Dialer

	conn net.Conn
	r    *bufio.Reader
	next int
}

func newReqSocket(endpoints []string, d *net.Dialer) *reqSocket {
	eps := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		eps = append(eps, strings.TrimPrefix(strings.TrimSpace(ep), "tcp://"))
	}
	return &reqSocket{lock: make(chan struct{}, 1), endpoints: eps, dialer: d}
}

func (s *reqSocket) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.lock }()

	if s.conn == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}
	conn := s.conn
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Unblock I/O if ctx is canceled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.reset()
		return nil, fmt.Errorf("rpc send: %w", err)
	}
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("rpc recv: %w", err)
	}
	return line, nil
}

func (s *reqSocket) connect(ctx context.Context) error {
	if len(s.endpoints) == 0 {
		return errors.New("rpc: no endpoints")
	}
	var lastErr error
	for i := 0; i < len(s.endpoints); i++ {
		addr := s.endpoints[(s.next+i)%len(s.endpoints)]
		c, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.next = (s.next + i) % len(s.endpoints)
		s.conn = c
		s.r = bufio.NewReader(c)
		return nil
	}
	return fmt.Errorf("rpc connect: %w", lastErr)
}

func (s *reqSocket) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.r = nil, nil
	s.next++
}

func (s *reqSocket) close() {
	s.lock <- struct{}{}
	s.reset()
	<-s.lock
}
