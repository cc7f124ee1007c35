package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"peersched/internal/membership"
	"peersched/internal/replication"
	"peersched/internal/runtime/supervisor"
	"peersched/internal/storage"
	"peersched/internal/task"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

type fakeScheduler struct {
	mu    sync.Mutex
	got   []task.Task
	err   error
	hosts []string
}

func (f *fakeScheduler) Schedule(ctx context.Context, t task.Task) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, t)
	return f.hosts, f.err
}

func (f *fakeScheduler) Snapshot() []replication.Assignment {
	return []replication.Assignment{{ID: "armed", Queue: "q"}}
}

type fakeCluster struct{ v membership.View }

type fakeWorkers struct{}

func (fakeWorkers) Snapshot() worker.Snapshot { return worker.Snapshot{Workers: 4, QueueCap: 256} }

func (f fakeCluster) View() membership.View { return f.v }

func newTestServer(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()
	s := New(cfg, deps, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path string, body any) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestEnqueueSchedulesTask(t *testing.T) {
	sched := &fakeScheduler{hosts: []string{"a:6000", "b:6000"}}
	ts := newTestServer(t, Config{}, Deps{Scheduler: sched})

	countdown := 30.0
	before := time.Now()
	resp, body := post(t, ts, "/queues/mail/tasks", EnqueueRequest{
		URL:       "http://svc.local/send",
		Params:    map[string]string{"to": "x"},
		Countdown: &countdown,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var out EnqueueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(out.ID); err != nil {
		t.Fatalf("id %q is not a uuid", out.ID)
	}
	if len(out.ReplicaHosts) != 2 || out.Queue != "mail" {
		t.Fatalf("response = %+v", out)
	}
	if d := out.ETA.Sub(before); d < 29*time.Second || d > 31*time.Second {
		t.Fatalf("eta is now+%v, want about 30s", d)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.got) != 1 {
		t.Fatalf("scheduled %d tasks", len(sched.got))
	}
	got := sched.got[0]
	if got.QueueName != "mail" || got.Method != http.MethodPost || got.Params["to"] != "x" || !got.Target.IsHTTP() {
		t.Fatalf("task = %+v", got)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, Config{}, Deps{Scheduler: &fakeScheduler{}})
	one, huge := 1.0, 1e10
	cases := map[string]any{
		"no target":      EnqueueRequest{Method: "GET"},
		"both targets":   EnqueueRequest{URL: "http://x/", Endpoints: []string{"tcp://x:1"}},
		"bad scheme":     EnqueueRequest{URL: "ftp://x/"},
		"two etas":       EnqueueRequest{URL: "http://x/", ETA: "2030-01-01T00:00:00Z", Countdown: &one},
		"bad when":       EnqueueRequest{URL: "http://x/", When: "someday"},
		"huge countdown": EnqueueRequest{URL: "http://x/", Countdown: &huge},
		"colon in id":    EnqueueRequest{ID: "a:b", URL: "http://x/"},
		"unknown field":  map[string]any{"url": "http://x/", "priority": 1},
	}
	for name, body := range cases {
		resp, b := post(t, ts, "/queues/q/tasks", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d body=%s", name, resp.StatusCode, b)
		}
	}
}

func TestEnqueueSchedulingFailure(t *testing.T) {
	sched := &fakeScheduler{err: fmt.Errorf("%w: missing [b]", replication.ErrSchedulingFailed)}
	ts := newTestServer(t, Config{}, Deps{Scheduler: sched})
	resp, body := post(t, ts, "/queues/q/tasks", EnqueueRequest{Endpoints: []string{"tcp://10.0.0.1:5555"}})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var e ErrResponse
	_ = json.Unmarshal(body, &e)
	if e.HTTPStatusCode != http.StatusServiceUnavailable || e.Message == "" {
		t.Fatalf("error body = %+v", e)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	ts := newTestServer(t, Config{RatePerSec: 0.001, Burst: 1}, Deps{Scheduler: &fakeScheduler{}})
	req := EnqueueRequest{URL: "http://x/"}
	if resp, b := post(t, ts, "/queues/q/tasks", req); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d body=%s", resp.StatusCode, b)
	}
	if resp, _ := post(t, ts, "/queues/q/tasks", req); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestReadOnlyViews(t *testing.T) {
	view := membership.View{Self: "b:6000", Leader: "a:6000", Members: []string{"a:6000", "b:6000"}}
	ts := newTestServer(t, Config{}, Deps{Scheduler: &fakeScheduler{}, Cluster: fakeCluster{view}, Workers: fakeWorkers{}})

	var got membership.View
	if code := getJSON(t, ts.URL+"/cluster", &got); code != http.StatusOK || got.Leader != "a:6000" || len(got.Members) != 2 {
		t.Fatalf("/cluster = %d %+v", code, got)
	}
	var armed []replication.Assignment
	if code := getJSON(t, ts.URL+"/tasks", &armed); code != http.StatusOK || len(armed) != 1 {
		t.Fatalf("/tasks = %d %+v", code, armed)
	}
	if code := getJSON(t, ts.URL+"/executions", nil); code != http.StatusNotFound {
		t.Fatalf("/executions without storage = %d", code)
	}
	var ws worker.Snapshot
	if code := getJSON(t, ts.URL+"/workers", &ws); code != http.StatusOK || ws.Workers != 4 {
		t.Fatalf("/workers = %d %+v", code, ws)
	}
	if code := getJSON(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("/healthz = %d", code)
	}
}

func TestHealthReportsRuntimeFailure(t *testing.T) {
	sup := supervisor.New(context.Background())
	sup.Go("replication.accept", func(ctx context.Context) error { return errors.New("listener closed") })
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(wctx)

	ts := newTestServer(t, Config{}, Deps{Scheduler: &fakeScheduler{}, Runtime: sup})
	var got HealthResponse
	if code := getJSON(t, ts.URL+"/healthz", &got); code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz = %d", code)
	}
	if got.Status != "failing" || got.Runtime == nil || len(got.Runtime.Goroutines) != 1 {
		t.Fatalf("health = %+v", got)
	}
}

func TestExecutionsView(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x.log")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	for i := 0; i < 3; i++ {
		_ = st.AppendExecution(context.Background(), storage.ExecutionRecord{TaskID: fmt.Sprintf("t%d", i), Kind: "success"})
	}
	ts := newTestServer(t, Config{}, Deps{Scheduler: &fakeScheduler{}, Executions: st})

	var recs []storage.ExecutionRecord
	if code := getJSON(t, ts.URL+"/executions?limit=2", &recs); code != http.StatusOK {
		t.Fatalf("/executions = %d", code)
	}
	if len(recs) != 2 || recs[0].TaskID != "t2" {
		t.Fatalf("records = %+v", recs)
	}
	if code := getJSON(t, ts.URL+"/executions?limit=x", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
	var one []storage.ExecutionRecord
	if code := getJSON(t, ts.URL+"/executions?task=t1", &one); code != http.StatusOK || len(one) != 1 || one[0].TaskID != "t1" {
		t.Fatalf("/executions?task=t1 = %d %+v", code, one)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2030, 1, 1, 10, 2, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"90s", now.Add(90 * time.Second)},
		{"in:2h", now.Add(2 * time.Hour)},
		{"01:30", now.Add(90 * time.Minute)},
		{"*/5 * * * *", time.Date(2030, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"cron:0 12 * * *", time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2030, 1, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := ParseWhen(c.in, now)
		if err != nil {
			t.Errorf("ParseWhen(%q): %v", c.in, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("ParseWhen(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "soon", "-5m", "01:75", "cron:", "61 * * * *"} {
		if _, err := ParseWhen(bad, now); err == nil {
			t.Errorf("ParseWhen(%q) should fail", bad)
		}
	}
}
