package eventlog

import (
	"context"
	"fmt"
)

// Visitor handles every event type. Adding a type to the log adds a method here, so
// every projection has to decide what to do with it.
type Visitor interface {
	PersonAdded(ctx context.Context, e Event, p *PersonAdded) error
	PlaceAdded(ctx context.Context, e Event, p *PlaceAdded) error
	NameTagged(ctx context.Context, e Event, p *NameTagged) error
	NameUntagged(ctx context.Context, e Event, p *NameUntagged) error
	SummaryAdded(ctx context.Context, e Event, p *SummaryAdded) error
	EventAnnulled(ctx context.Context, e Event, p *EventAnnulled) error
}

// IgnoreAll implements Visitor with no-ops; embed it to handle a subset of types.
type IgnoreAll struct{}

func (IgnoreAll) PersonAdded(context.Context, Event, *PersonAdded) error     { return nil }
func (IgnoreAll) PlaceAdded(context.Context, Event, *PlaceAdded) error       { return nil }
func (IgnoreAll) NameTagged(context.Context, Event, *NameTagged) error       { return nil }
func (IgnoreAll) NameUntagged(context.Context, Event, *NameUntagged) error   { return nil }
func (IgnoreAll) SummaryAdded(context.Context, Event, *SummaryAdded) error   { return nil }
func (IgnoreAll) EventAnnulled(context.Context, Event, *EventAnnulled) error { return nil }

// Dispatch decodes e and calls the matching Visitor method.
func Dispatch(ctx context.Context, e Event, v Visitor) error {
	p, err := e.Decode()
	if err != nil {
		return err
	}
	switch p := p.(type) {
	case *PersonAdded:
		return v.PersonAdded(ctx, e, p)
	case *PlaceAdded:
		return v.PlaceAdded(ctx, e, p)
	case *NameTagged:
		return v.NameTagged(ctx, e, p)
	case *NameUntagged:
		return v.NameUntagged(ctx, e, p)
	case *SummaryAdded:
		return v.SummaryAdded(ctx, e, p)
	case *EventAnnulled:
		return v.EventAnnulled(ctx, e, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}
