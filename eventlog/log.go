package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var (
	ErrEmptyBatch       = errors.New("eventlog: empty batch")
	ErrAlreadyPersisted = errors.New("eventlog: event already has an index")
	ErrUnknownType      = errors.New("eventlog: unknown event type")
	ErrInvalidPayload   = errors.New("eventlog: invalid payload")
	ErrConflict         = errors.New("eventlog: conflicting append")
	ErrInvalidOrder     = errors.New("eventlog: invalid order")
)

// Order selects how Read sorts events.
type Order int

const (
	// Chronological sorts by index.
	Chronological Order = iota
	// PriorityOrder sorts by type priority, then by index.
	PriorityOrder
)

func (o Order) String() string {
	switch o {
	case Chronological:
		return "chronological"
	case PriorityOrder:
		return "priority"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder accepts "chronological" (or empty) and "priority".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chronological":
		return Chronological, nil
	case "priority":
		return PriorityOrder, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrder, s)
	}
}

// Log is the event store contract.
type Log interface {
	// Append commits the batch atomically and returns it with indices and defaults filled in.
	// Constraint violations are returned as ErrConflict and never retried.
	Append(ctx context.Context, events []Event) ([]Event, error)
	// Read yields committed events with index > after. Each range over the sequence reads
	// the log again; the first error ends the sequence.
	Read(ctx context.Context, after int64, order Order) iter.Seq2[Event, error]
	// Head returns the highest committed index, 0 for an empty log.
	Head(ctx context.Context) (int64, error)
}

// Options are shared by Log implementations.
type Options struct {
	Clock      xclock.Clock
	Logger     *xlog.Logger
	AppVersion string
	// PageSize bounds how many events Read loads at once.
	PageSize int
	// NewTransactionID generates the id for batches that do not carry one.
	NewTransactionID func() string
}

const (
	DefaultAppVersion = "dev"
	DefaultPageSize   = 256
)

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = xclock.Default()
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	if o.AppVersion == "" {
		o.AppVersion = DefaultAppVersion
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.NewTransactionID == nil {
		o.NewTransactionID = uuid.NewString
	}
	return o
}

// Prepare validates a batch and fills provenance defaults. All events without a
// transaction id share one generated id. It does not assign indices.
func (o Options) Prepare(events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}

	now := o.Clock.Now().UTC()
	var txID string
	out := make([]Event, len(events))
	for i, e := range events {
		if e.Persisted() {
			return nil, fmt.Errorf("%w: index %d", ErrAlreadyPersisted, e.Index)
		}
		if !e.Type.Known() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
		}
		if _, err := e.Decode(); err != nil {
			return nil, err
		}
		if e.TransactionID == "" {
			if txID == "" {
				txID = o.NewTransactionID()
			}
			e.TransactionID = txID
		}
		if e.AppVersion == "" {
			e.AppVersion = o.AppVersion
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out[i] = e
	}
	return out, nil
}

// TransactionIDs returns the distinct transaction ids of a batch in first-seen order.
func TransactionIDs(events []Event) []string {
	seen := make(map[string]struct{}, 1)
	out := make([]string, 0, 1)
	for _, e := range events {
		if _, ok := seen[e.TransactionID]; ok {
			continue
		}
		seen[e.TransactionID] = struct{}{}
		out = append(out, e.TransactionID)
	}
	return out
}

// Less reports whether a sorts before b under order.
func Less(order Order, a, b Event) bool {
	if order == PriorityOrder {
		if pa, pb := a.Type.Priority(), b.Type.Priority(); pa != pb {
			return pa < pb
		}
	}
	return a.Index < b.Index
}
