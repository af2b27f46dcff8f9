package eventlog

import "errors"

// Payload is implemented only by the payload types of this package.
type Payload interface {
	EventType() Type
	validate() error
}

var payloadFactories = map[Type]func() Payload{
	TypePersonAdded:   func() Payload { return new(PersonAdded) },
	TypePlaceAdded:    func() Payload { return new(PlaceAdded) },
	TypeNameTagged:    func() Payload { return new(NameTagged) },
	TypeNameUntagged:  func() Payload { return new(NameUntagged) },
	TypeSummaryAdded:  func() Payload { return new(SummaryAdded) },
	TypeEventAnnulled: func() Payload { return new(EventAnnulled) },
}

var (
	errMissingID   = errors.New("missing entity id")
	errMissingName = errors.New("missing name")
)

// PersonAdded introduces a person under its primary name.
type PersonAdded struct {
	PersonID  string `json:"personId"`
	Name      string `json:"name"`
	BirthYear int    `json:"birthYear,omitempty"`
	DeathYear int    `json:"deathYear,omitempty"`
}

func (*PersonAdded) EventType() Type { return TypePersonAdded }

func (p *PersonAdded) validate() error {
	if p.PersonID == "" {
		return errMissingID
	}
	if p.Name == "" {
		return errMissingName
	}
	return nil
}

// PlaceAdded introduces a place under its primary name.
type PlaceAdded struct {
	PlaceID   string  `json:"placeId"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lng,omitempty"`
}

func (*PlaceAdded) EventType() Type { return TypePlaceAdded }

func (p *PlaceAdded) validate() error {
	if p.PlaceID == "" {
		return errMissingID
	}
	if p.Name == "" {
		return errMissingName
	}
	return nil
}

// NameTagged binds an additional name to an existing entity.
type NameTagged struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
}

func (*NameTagged) EventType() Type { return TypeNameTagged }

func (p *NameTagged) validate() error {
	if p.EntityID == "" {
		return errMissingID
	}
	if p.Name == "" {
		return errMissingName
	}
	return nil
}

// NameUntagged removes a name from an entity.
type NameUntagged struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
}

func (*NameUntagged) EventType() Type { return TypeNameUntagged }

func (p *NameUntagged) validate() error {
	if p.EntityID == "" {
		return errMissingID
	}
	if p.Name == "" {
		return errMissingName
	}
	return nil
}

// SummaryAdded attaches a free-text summary to an entity.
type SummaryAdded struct {
	EntityID string `json:"entityId"`
	Summary  string `json:"summary"`
	Source   string `json:"source,omitempty"`
}

func (*SummaryAdded) EventType() Type { return TypeSummaryAdded }

func (p *SummaryAdded) validate() error {
	if p.EntityID == "" {
		return errMissingID
	}
	return nil
}

// EventAnnulled marks an earlier event as void. Consumers decide how to undo its effect.
type EventAnnulled struct {
	AnnulledIndex int64  `json:"annulledIndex"`
	Reason        string `json:"reason,omitempty"`
}

func (*EventAnnulled) EventType() Type { return TypeEventAnnulled }

func (p *EventAnnulled) validate() error {
	if p.AnnulledIndex <= 0 {
		return errors.New("annulled index must be positive")
	}
	return nil
}
