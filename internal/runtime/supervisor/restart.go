package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "peersched/pkg/logx"
)

// A run that lasted this long resets the restart backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <= 0: unlimited
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up (and records a failure) after n restarts. The
// first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// GoRestart keeps fn running: an error or panic restarts it after a jittered
// exponential backoff. A nil or context.Canceled return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	pol.maxBackoff = max(pol.maxBackoff, pol.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, pol)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, pol restartPolicy) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := pol.minBackoff
	for restarts := 0; s.ctx.Err() == nil; restarts++ {
		if pol.maxRestarts > 0 && restarts > pol.maxRestarts {
			err := s.stats.lastErr(name)
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.String("last_err", err))
			s.fail(fmt.Errorf("%s: gave up after %d restarts: %s", name, restarts-1, err))
			return
		}

		began := time.Now()
		s.stats.started(name, restarts > 0)
		err, panicked := s.protect(name, fn)
		if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			s.stats.stopped(name, nil, false)
			return
		}
		s.stats.stopped(name, err, panicked)

		if time.Since(began) >= healthyRun {
			backoff = pol.minBackoff
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff)/5+1))
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = min(backoff*2, pol.maxBackoff)
	}
}

func (t *tracker) lastErr(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(name).LastErr
}
