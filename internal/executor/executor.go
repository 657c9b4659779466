// Package executor performs the unsubscribe action for one channel.
package executor

import (
	"context"
	"fmt"

	"cleanbox/internal/model"
)

type Request struct {
	URL      string
	Kind     model.ChannelKind
	OneClick bool
	// From is the mailbox address the request acts for.
	From string
}

type Result struct {
	// Detail is a human-readable outcome, such as "POST 200 OK".
	Detail string
}

// ActionExecutor returns a nil error only when the action succeeded. Errors
// wrapped by util.Permanent are not worth retrying.
type ActionExecutor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Router dispatches by channel kind.
type Router struct {
	executors map[model.ChannelKind]ActionExecutor
}

func NewRouter(https, mailto ActionExecutor) *Router {
	r := &Router{executors: make(map[model.ChannelKind]ActionExecutor)}
	if https != nil {
		r.executors[model.ChannelHTTPS] = https
	}
	if mailto != nil {
		r.executors[model.ChannelMailto] = mailto
	}
	return r
}

func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	e, ok := r.executors[req.Kind]
	if !ok {
		return Result{}, fmt.Errorf("no executor for channel %q", req.Kind)
	}
	return e.Execute(ctx, req)
}
