package worker

import (
	"context"
	"fmt"
	"net/http"

	"peersched/internal/task"
)

// Dispatcher routes a task to the HTTP or RPC caller based on its target.
type Dispatcher struct {
	HTTP *HTTPExecutor
	RPC  *RPCExecutor
}

func NewDispatcher(client *http.Client) *Dispatcher {
	return &Dispatcher{HTTP: NewHTTPExecutor(client), RPC: NewRPCExecutor()}
}

func (d *Dispatcher) Execute(ctx context.Context, t task.Task) error {
	switch {
	case t.Target.IsHTTP():
		return d.HTTP.Execute(ctx, t)
	case t.Target.IsRPC():
		return d.RPC.Execute(ctx, t)
	default:
		return fmt.Errorf("task %s has no target", t.ID)
	}
}

func (d *Dispatcher) Close() error {
	if d.RPC != nil {
		return d.RPC.Close()
	}
	return nil
}
