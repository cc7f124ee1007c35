package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "peersched/pkg/logx"
)

// fileStore appends records to <prefix>.executions.jsonl and keeps the
// newest ones in a ring. On open the tail of the log is replayed into the
// ring so Recent survives restarts.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	ring []ExecutionRecord
	next int
	full bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	logPath := filepath.Join(dir, base) + ".executions.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, ring: make([]ExecutionRecord, cfg.retention())}
	if err := s.replay(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("execution log replay failed", logx.String("path", logPath), logx.Err(err))
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		var r ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.TaskID == "" {
			continue
		}
		s.pushLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) pushLocked(r ExecutionRecord) {
	s.ring[s.next] = r
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
}

func (s *fileStore) AppendExecution(ctx context.Context, r ExecutionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("execution log closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.pushLocked(r)
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]ExecutionRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out, nil
}

func (s *fileStore) ForTask(ctx context.Context, id string) ([]ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	start, size := 0, s.next
	if s.full {
		start, size = s.next, len(s.ring)
	}
	var out []ExecutionRecord
	for i := 0; i < size; i++ {
		if r := s.ring[(start+i)%len(s.ring)]; r.TaskID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
