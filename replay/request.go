package replay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trickstertwo/xhist/eventlog"
)

const (
	// RequestType names a replay request body.
	RequestType = "REQUEST_HISTORY_REPLAY"
	// EndType names the terminal frame of every completed stream.
	EndType = "HISTORY_REPLAY_END"
)

var (
	ErrMalformedRequest = errors.New("replay: malformed request")
	ErrClosed           = errors.New("replay: coordinator closed")
)

// Params is the payload of a replay request.
type Params struct {
	// LastEventID is the last index the requester has seen; 0 replays everything.
	LastEventID int64 `json:"lastEventId,omitempty"`
	// Order is "chronological" (default) or "priority".
	Order string `json:"order,omitempty"`
}

// Request is the full body: {"type": "REQUEST_HISTORY_REPLAY", "payload": {...}}.
type Request struct {
	Type    string `json:"type"`
	Payload Params `json:"payload"`
}

// NewRequest builds a request resuming after lastSeen.
func NewRequest(lastSeen int64, order eventlog.Order) Request {
	return Request{Type: RequestType, Payload: Params{LastEventID: lastSeen, Order: order.String()}}
}

// ParseRequest decodes and validates a raw request body.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks the type tag, cursor and order.
func (r Request) Validate() error {
	if r.Type != RequestType {
		return fmt.Errorf("%w: unexpected type %q", ErrMalformedRequest, r.Type)
	}
	if r.Payload.LastEventID < 0 {
		return fmt.Errorf("%w: negative lastEventId %d", ErrMalformedRequest, r.Payload.LastEventID)
	}
	if _, err := eventlog.ParseOrder(r.Payload.Order); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// Frame is one message of a replay stream: an event or the end marker.
type Frame struct {
	Type  string
	Event *eventlog.Event
}

// End reports whether f is the terminal frame.
func (f Frame) End() bool { return f.Event == nil && f.Type == EndType }

// EndFrame returns the terminal frame.
func EndFrame() Frame { return Frame{Type: EndType} }
