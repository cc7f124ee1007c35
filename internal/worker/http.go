package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"peersched/internal/task"
)

const (
	HeaderTaskID    = "X-Task-Id"
	HeaderTaskQueue = "X-Task-Queue"
)

// HTTPExecutor delivers tasks with an http(s) target.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{client: client}
}

// Execute issues the request with the task's method. Params go into the query
// string for body-less methods and into a form body otherwise. Any non-2xx
// status is a failure.
func (e *HTTPExecutor) Execute(ctx context.Context, t task.Task) error {
	method := strings.ToUpper(strings.TrimSpace(t.Method))
	if method == "" {
		method = http.MethodPost
	}
	u, err := url.Parse(t.Target.URL)
	if err != nil {
		return fmt.Errorf("target url: %w", err)
	}

	form := url.Values{}
	for k, v := range t.Params {
		form.Set(k, v)
	}
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		q := u.Query()
		for k, vs := range form {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	default:
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set(HeaderTaskID, t.ID)
	req.Header.Set(HeaderTaskQueue, t.QueueName)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}
