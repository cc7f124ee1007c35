package ingress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"peersched/internal/membership"
	"peersched/internal/replication"
	"peersched/internal/runtime/supervisor"
	"peersched/internal/storage"
	"peersched/internal/task"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

type Config struct {
	Addr         string
	RatePerSec   float64 // <= 0 disables limiting
	Burst        int
	Pprof        bool
	MaxBodyBytes int64
}

const (
	DefaultAddr         = ":8088"
	DefaultMaxBodyBytes = 64 << 10
)

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RatePerSec > 0 && c.Burst <= 0 {
		c.Burst = int(c.RatePerSec) + 1
	}
	return c
}

// Scheduler is the replication side the frontend drives.
type Scheduler interface {
	Schedule(ctx context.Context, t task.Task) ([]string, error)
	Snapshot() []replication.Assignment
}

// Cluster exposes the local membership view.
type Cluster interface {
	View() membership.View
}

// WorkerStats exposes the local execution pool.
type WorkerStats interface {
	Snapshot() worker.Snapshot
}

// Runtime reports the node's supervised goroutines.
type Runtime interface {
	Snapshot() supervisor.Snapshot
}

// Deps wires the frontend. Executions may be nil when storage is disabled.
type Deps struct {
	Scheduler  Scheduler
	Cluster    Cluster
	Workers    WorkerStats
	Runtime    Runtime
	Executions storage.Store
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	limMu   sync.Mutex
	limiter *rate.Limiter

	router chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log, now: time.Now}
	s.limiter = newLimiter(s.cfg)
	s.router = s.routes()
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Apply updates the rate limit. Address and pprof changes need a restart.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.limMu.Lock()
	defer s.limMu.Unlock()
	if cfg.RatePerSec == s.cfg.RatePerSec && cfg.Burst == s.cfg.Burst {
		return
	}
	s.cfg.RatePerSec, s.cfg.Burst = cfg.RatePerSec, cfg.Burst
	if s.limiter == nil || cfg.RatePerSec <= 0 {
		s.limiter = newLimiter(cfg)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
	s.log.Info("ingress rate limit applied", logx.Any("rate_per_sec", cfg.RatePerSec), logx.Int("burst", cfg.Burst))
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Get("/healthz", s.handleHealth)
	r.Get("/cluster", s.handleCluster)
	r.Get("/tasks", s.handleTasks)
	r.Get("/executions", s.handleExecutions)
	r.Get("/workers", s.handleWorkers)
	r.Route("/queues/{queue}/tasks", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/", s.handleEnqueue)
	})
	return r
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ingress server stopped", logx.Err(err))
		}
	}()
	s.log.Info("ingress listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.limMu.Lock()
		lim := s.limiter
		s.limMu.Unlock()
		if lim != nil && !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
