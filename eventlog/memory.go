package eventlog

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
)

// MemoryLog keeps events in process memory. It is used by tests and single-process setups.
type MemoryLog struct {
	opts Options

	mu     sync.RWMutex
	events []Event
	txs    map[string]struct{}
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog(opts Options) *MemoryLog {
	return &MemoryLog{
		opts: opts.WithDefaults(),
		txs:  make(map[string]struct{}),
	}
}

func (l *MemoryLog) Append(ctx context.Context, events []Event) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := l.opts.Prepare(events)
	if err != nil {
		return nil, err
	}
	txIDs := TransactionIDs(batch)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range txIDs {
		if _, ok := l.txs[id]; ok {
			return nil, fmt.Errorf("%w: transaction %s already committed", ErrConflict, id)
		}
	}

	next := int64(len(l.events)) + 1
	for i := range batch {
		batch[i].Index = next + int64(i)
	}
	l.events = append(l.events, batch...)
	for _, id := range txIDs {
		l.txs[id] = struct{}{}
	}

	l.opts.Logger.Debug().
		Str("first", strconv.FormatInt(batch[0].Index, 10)).
		Str("last", strconv.FormatInt(batch[len(batch)-1].Index, 10)).
		Msg("eventlog: appended")

	return slices.Clone(batch), nil
}

func (l *MemoryLog) Read(ctx context.Context, after int64, order Order) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if order == PriorityOrder {
			l.readPriority(ctx, after, yield)
			return
		}

		// Indices are dense, so event i lives at position i-1.
		pos := max(after, 0)
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			page := l.page(pos)
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			pos += int64(len(page))
		}
	}
}

func (l *MemoryLog) page(pos int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos >= int64(len(l.events)) {
		return nil
	}
	end := min(pos+int64(l.opts.PageSize), int64(len(l.events)))
	return slices.Clone(l.events[pos:end])
}

func (l *MemoryLog) readPriority(ctx context.Context, after int64, yield func(Event, error) bool) {
	l.mu.RLock()
	var snap []Event
	if after < int64(len(l.events)) {
		snap = slices.Clone(l.events[max(after, 0):])
	}
	l.mu.RUnlock()

	slices.SortStableFunc(snap, func(a, b Event) int {
		switch {
		case Less(PriorityOrder, a, b):
			return -1
		case Less(PriorityOrder, b, a):
			return 1
		default:
			return 0
		}
	})
	for _, e := range snap {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		if !yield(e, nil) {
			return
		}
	}
}

func (l *MemoryLog) Head(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events)), nil
}
