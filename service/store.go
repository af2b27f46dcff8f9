package service

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/eventlog"
	"github.com/trickstertwo/xhist/replay"
)

// Store is the event store process: it appends command batches to the log, announces the
// committed events and serves history replays.
type Store struct {
	bus    Bus
	log    eventlog.Log
	replay *replay.Coordinator
	logger *xlog.Logger

	mu   sync.Mutex
	subs []xhist.Subscription
}

// NewStore wires a store. The coordinator is owned by the caller.
func NewStore(bus Bus, log eventlog.Log, coordinator *replay.Coordinator) *Store {
	return &Store{
		bus:    bus,
		log:    log,
		replay: coordinator,
		logger: bus.Logger().With(xlog.Str("service", "store")),
	}
}

// Start subscribes to append commands and replay requests.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appendSub, err := s.bus.Respond(ctx, RouteAppend, s.handleAppend)
	if err != nil {
		return err
	}
	replaySub, err := replay.Serve(ctx, s.bus, RouteReplay, s.replay)
	if err != nil {
		_ = appendSub.Close()
		return err
	}
	s.subs = append(s.subs, appendSub, replaySub)
	s.logger.Info().Str("append", RouteAppend).Str("replay", RouteReplay).Msg("store: started")
	return nil
}

// Stop closes the store subscriptions.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeAll(s.subs)
	s.subs = nil
}

// Append commits events and then announces each on its event route. The commit is not
// undone when an announcement fails; consumers catch up through replay.
func (s *Store) Append(ctx context.Context, events []eventlog.Event) ([]eventlog.Event, error) {
	committed, err := s.log.Append(ctx, events)
	if err != nil {
		return nil, err
	}
	for _, e := range committed {
		if err := s.bus.Publish(ctx, EventRoute(e.Type), string(e.Type), e); err != nil {
			s.logger.Warn().
				Err(err).
				Str("index", strconv.FormatInt(e.Index, 10)).
				Str("type", string(e.Type)).
				Msg("store: event committed but not announced")
		}
	}
	return committed, nil
}

func (s *Store) handleAppend(ctx context.Context, req *xhist.Message) (string, any, error) {
	if req.Name != CommandAppend {
		s.logger.Warn().Str("name", req.Name).Msg("store: unknown command")
		return ReplyUnknown, Unknown{Type: req.Name}, nil
	}

	cmd, err := xhist.Decode[AppendCommand](ctx, req)
	if err != nil {
		return ReplyAppendFailed, AppendFailed{Code: FailureInvalid, Reason: err.Error()}, nil
	}

	committed, err := s.Append(ctx, cmd.Events)
	if err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", req.CorrelationID).Msg("store: append failed")
		return ReplyAppendFailed, appendFailure(err), nil
	}
	return ReplyAppendOK, AppendOK{First: committed[0].Index, Last: committed[len(committed)-1].Index}, nil
}

func appendFailure(err error) AppendFailed {
	switch {
	case errors.Is(err, eventlog.ErrConflict):
		return AppendFailed{Code: FailureConflict, Reason: err.Error()}
	case errors.Is(err, eventlog.ErrEmptyBatch),
		errors.Is(err, eventlog.ErrAlreadyPersisted),
		errors.Is(err, eventlog.ErrUnknownType),
		errors.Is(err, eventlog.ErrInvalidPayload):
		return AppendFailed{Code: FailureInvalid, Reason: err.Error()}
	default:
		return AppendFailed{Code: FailureInternal, Reason: err.Error()}
	}
}
