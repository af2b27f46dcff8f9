// Package service hosts the processes built on the bus: the event store command service,
// the name projection with its resolver, and the clients that call them.
package service

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/eventlog"
	"github.com/trickstertwo/xhist/nameindex"
)

// Routing keys.
const (
	RouteAppend      = "commands.append"
	RouteReplay      = "history.replay"
	RouteNameQueries = "queries.names"
	routeEvents      = "events"
)

// Message names.
const (
	CommandAppend     = "APPEND_EVENTS"
	ReplyAppendOK     = "APPEND_OK"
	ReplyAppendFailed = "APPEND_FAILED"
	ReplyUnknown      = "UNKNOWN_COMMAND"

	QueryResolveName = "RESOLVE_NAME"
	ReplyNameMatches = "NAME_MATCHES"
	ReplyUnknownQry  = "UNKNOWN_QUERY"
)

// EventRoute is the routing key an event type is announced on.
func EventRoute(t eventlog.Type) string { return routeEvents + "." + string(t) }

// AppendCommand carries unpersisted events.
type AppendCommand struct {
	Events []eventlog.Event `json:"events"`
}

// AppendOK reports the indices assigned to a committed batch.
type AppendOK struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// Failure codes of AppendFailed.
const (
	FailureConflict = "conflict"
	FailureInvalid  = "invalid"
	FailureInternal = "internal"
)

// AppendFailed is the typed failure reply of an append.
type AppendFailed struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Unknown answers a command or query type the service does not handle.
type Unknown struct {
	Type string `json:"type"`
}

// ResolveName asks for name completions.
type ResolveName struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// NameMatches answers ResolveName.
type NameMatches struct {
	Matches []nameindex.Match `json:"matches"`
}

// Bus is the part of xhist.Bus the services use.
type Bus interface {
	xhist.Publisher
	Subscribe(ctx context.Context, pattern string, handler xhist.Handler) (xhist.Subscription, error)
	Respond(ctx context.Context, pattern string, responder xhist.ResponderFunc) (xhist.Subscription, error)
	Reply(ctx context.Context, req *xhist.Message, name string, payload any) error
	Context() context.Context
	Logger() *xlog.Logger
	Clock() xclock.Clock
}

var _ Bus = (*xhist.Bus)(nil)

func closeAll(subs []xhist.Subscription) {
	for i := len(subs) - 1; i >= 0; i-- {
		_ = subs[i].Close()
	}
}
