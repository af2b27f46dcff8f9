// Package eventlog is the append-only, strictly ordered store of history facts.
//
// Events carry one of a closed set of payload types. Index is assigned by a Log when the
// batch commits and never changes afterwards.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags the payload shape of an Event.
type Type string

const (
	TypePersonAdded   Type = "PERSON_ADDED"
	TypePlaceAdded    Type = "PLACE_ADDED"
	TypeNameTagged    Type = "NAME_TAGGED"
	TypeNameUntagged  Type = "NAME_UNTAGGED"
	TypeSummaryAdded  Type = "SUMMARY_ADDED"
	TypeEventAnnulled Type = "EVENT_ANNULLED"
)

// Types lists every known event type.
func Types() []Type {
	return []Type{
		TypePersonAdded,
		TypePlaceAdded,
		TypeNameTagged,
		TypeNameUntagged,
		TypeSummaryAdded,
		TypeEventAnnulled,
	}
}

// Known reports whether t is one of Types.
func (t Type) Known() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Priority orders events within a priority replay. Annulling events come first.
func (t Type) Priority() int {
	if t == TypeEventAnnulled {
		return 0
	}
	return 1
}

// Event is one immutable fact. The JSON form is the wire representation consumers receive.
type Event struct {
	Index         int64           `json:"index"`
	Type          Type            `json:"type"`
	TransactionID string          `json:"transactionId"`
	AppVersion    string          `json:"appVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"userId"`
	Payload       json.RawMessage `json:"payload"`
}

// Persisted reports whether the event has been committed.
func (e Event) Persisted() bool { return e.Index > 0 }

// Meta is the provenance supplied by the producer. Empty fields get defaults on append.
type Meta struct {
	TransactionID string
	UserID        string
	AppVersion    string
	Timestamp     time.Time
}

// NewEvent builds an unpersisted event from a typed payload.
func NewEvent(p Payload, meta Meta) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.validate(); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.EventType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Event{
		Type:          p.EventType(),
		TransactionID: meta.TransactionID,
		AppVersion:    meta.AppVersion,
		Timestamp:     meta.Timestamp,
		UserID:        meta.UserID,
		Payload:       raw,
	}, nil
}

// MustEvent is NewEvent for fixtures; it panics on invalid payloads.
func MustEvent(p Payload, meta Meta) Event {
	e, err := NewEvent(p, meta)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode returns the typed payload of the event.
func (e Event) Decode() (Payload, error) {
	factory, ok := payloadFactories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	p := factory()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return p, nil
}
