package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"peersched/internal/replication"
	"peersched/internal/runtime/supervisor"
	"peersched/internal/task"
	logx "peersched/pkg/logx"
)

// Larger countdowns overflow time.Duration.
const maxCountdownSeconds = float64(math.MaxInt64 / int64(time.Second))

// ErrResponse is the JSON body of every non-2xx reply.
type ErrResponse struct {
	HTTPStatusCode int    `json:"httpStatusCode"`
	Message        string `json:"message"`
}

// EnqueueRequest is the body of POST /queues/{queue}/tasks. Exactly one of
// URL and Endpoints is set; at most one of ETA, Countdown and When.
type EnqueueRequest struct {
	ID        string            `json:"id,omitempty"`
	URL       string            `json:"url,omitempty"`
	Endpoints []string          `json:"endpoints,omitempty"`
	Method    string            `json:"method,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	ETA       string            `json:"eta,omitempty"`
	Countdown *float64          `json:"countdown,omitempty"`
	When      string            `json:"when,omitempty"`
}

type EnqueueResponse struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	ETA          time.Time `json:"eta"`
	ReplicaHosts []string  `json:"replica_hosts"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrResponse{HTTPStatusCode: status, Message: msg})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req EnqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	t, err := s.buildTask(chi.URLParam(r, "queue"), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hosts, err := s.deps.Scheduler.Schedule(r.Context(), t)
	switch {
	case errors.Is(err, task.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, replication.ErrSchedulingFailed),
		errors.Is(err, replication.ErrNoPeers),
		errors.Is(err, replication.ErrStopped):
		s.log.Warn("enqueue failed", logx.TaskID(t.ID), logx.Strings("hosts", hosts), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.Error("enqueue failed", logx.TaskID(t.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		ID:           t.ID,
		Queue:        t.QueueName,
		ETA:          *t.ETA,
		ReplicaHosts: hosts,
	})
}

func (s *Server) buildTask(queue string, req EnqueueRequest) (task.Task, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return task.Task{}, fmt.Errorf("queue required")
	}
	now := s.now()
	eta, err := resolveETA(req, now)
	if err != nil {
		return task.Task{}, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	var target task.Target
	if req.URL != "" {
		target = task.URLTarget(req.URL)
		if len(req.Endpoints) > 0 {
			target.Endpoints = req.Endpoints
		}
	} else {
		target = task.RPCTarget(req.Endpoints...)
	}

	t := task.Task{
		ID:        id,
		QueueName: queue,
		Target:    target,
		Method:    method,
		ETA:       &eta,
		Params:    req.Params,
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func resolveETA(req EnqueueRequest, now time.Time) (time.Time, error) {
	set := 0
	if req.ETA != "" {
		set++
	}
	if req.Countdown != nil {
		set++
	}
	if req.When != "" {
		set++
	}
	if set > 1 {
		return time.Time{}, fmt.Errorf("use only one of eta, countdown, when")
	}

	switch {
	case req.ETA != "":
		eta, err := time.Parse(time.RFC3339, req.ETA)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid eta: %v", err)
		}
		return eta, nil
	case req.Countdown != nil:
		if *req.Countdown < 0 {
			return time.Time{}, fmt.Errorf("countdown must not be negative")
		}
		if *req.Countdown > maxCountdownSeconds {
			return time.Time{}, fmt.Errorf("countdown must not exceed %.0f seconds", maxCountdownSeconds)
		}
		return now.Add(time.Duration(*req.Countdown * float64(time.Second))), nil
	case req.When != "":
		return ParseWhen(req.When, now)
	}
	return now, nil
}

// HealthResponse is the /healthz body. A recorded goroutine failure turns
// the node unhealthy (503) since it is about to stop.
type HealthResponse struct {
	Status  string               `json:"status"`
	Runtime *supervisor.Snapshot `json:"runtime,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if s.deps.Runtime != nil {
		snap := s.deps.Runtime.Snapshot()
		resp.Runtime = &snap
		if snap.FirstError != "" {
			resp.Status, code = "failing", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeError(w, http.StatusServiceUnavailable, "membership not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cluster.View())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, "worker pool not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Workers.Snapshot())
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executions == nil {
		writeError(w, http.StatusNotFound, "execution log disabled")
		return
	}
	if id := r.URL.Query().Get("task"); id != "" {
		recs, err := s.deps.Executions.ForTask(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.deps.Executions.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
