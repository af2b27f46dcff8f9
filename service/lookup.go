package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/eventlog"
	"github.com/trickstertwo/xhist/nameindex"
	"github.com/trickstertwo/xhist/rpc"
)

var (
	ErrUnknownQuery   = errors.New("service: query type not understood by responder")
	ErrAppendRejected = errors.New("service: append rejected")
)

// Lookup resolves names through the Names service.
type Lookup struct {
	client *rpc.Client
	sub    xhist.Subscription
}

// NewLookup listens for replies on replyTo and sends queries to RouteNameQueries.
func NewLookup(ctx context.Context, bus Bus, replyTo string, opts rpc.Options) (*Lookup, error) {
	client := rpc.NewClient(rpc.BusPublisher(bus, RouteNameQueries, replyTo), opts)
	sub, err := rpc.Listen(ctx, bus, replyTo, client)
	if err != nil {
		return nil, err
	}
	return &Lookup{client: client, sub: sub}, nil
}

// Resolve returns name completions. ok is false when no answer arrived in time.
func (l *Lookup) Resolve(ctx context.Context, query string, limit int) ([]nameindex.Match, bool, error) {
	res, err := call(ctx, l.client, QueryResolveName, ResolveName{Query: query, Limit: limit})
	if err != nil || !res.OK {
		return nil, false, err
	}
	switch res.Body.Name {
	case ReplyNameMatches:
		var out NameMatches
		if err := json.Unmarshal(res.Body.Payload, &out); err != nil {
			return nil, true, fmt.Errorf("decode matches: %w", err)
		}
		return out.Matches, true, nil
	case ReplyUnknownQry:
		return nil, true, ErrUnknownQuery
	default:
		return nil, true, fmt.Errorf("service: unexpected reply %q", res.Body.Name)
	}
}

// Close stops listening for replies.
func (l *Lookup) Close() error { return l.sub.Close() }

// Commands submits append commands to the Store service.
type Commands struct {
	client *rpc.Client
	sub    xhist.Subscription
}

// NewCommands listens for replies on replyTo and sends commands to RouteAppend.
func NewCommands(ctx context.Context, bus Bus, replyTo string, opts rpc.Options) (*Commands, error) {
	client := rpc.NewClient(rpc.BusPublisher(bus, RouteAppend, replyTo), opts)
	sub, err := rpc.Listen(ctx, bus, replyTo, client)
	if err != nil {
		return nil, err
	}
	return &Commands{client: client, sub: sub}, nil
}

// Append submits events. ok is false when the store did not answer in time; a typed
// rejection is returned as an error wrapping ErrAppendRejected.
func (c *Commands) Append(ctx context.Context, events ...eventlog.Event) (AppendOK, bool, error) {
	res, err := call(ctx, c.client, CommandAppend, AppendCommand{Events: events})
	if err != nil || !res.OK {
		return AppendOK{}, false, err
	}
	switch res.Body.Name {
	case ReplyAppendOK:
		var out AppendOK
		if err := json.Unmarshal(res.Body.Payload, &out); err != nil {
			return AppendOK{}, true, fmt.Errorf("decode append reply: %w", err)
		}
		return out, true, nil
	case ReplyAppendFailed:
		var failed AppendFailed
		if err := json.Unmarshal(res.Body.Payload, &failed); err != nil {
			return AppendOK{}, true, fmt.Errorf("decode append failure: %w", err)
		}
		return AppendOK{}, true, fmt.Errorf("%w (%s): %s", ErrAppendRejected, failed.Code, failed.Reason)
	default:
		return AppendOK{}, true, fmt.Errorf("service: unexpected reply %q", res.Body.Name)
	}
}

// Close stops listening for replies.
func (c *Commands) Close() error { return c.sub.Close() }

func call(ctx context.Context, client *rpc.Client, name string, body any) (rpc.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return rpc.Result{}, err
	}
	return client.Call(ctx, rpc.Body{Name: name, Payload: payload}), nil
}
