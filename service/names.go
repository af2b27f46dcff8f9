package service

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/eventlog"
	"github.com/trickstertwo/xhist/nameindex"
	"github.com/trickstertwo/xhist/replay"
)

var ErrCatchUpTimeout = errors.New("names: history replay did not finish in time")

// NamesOptions configures the name projection.
type NamesOptions struct {
	// ReplyTo is where replay frames arrive (default "replies.names.<uuid>").
	ReplyTo string
	// CatchUpTimeout bounds the initial replay (default 30s).
	CatchUpTimeout time.Duration
	// DefaultLimit applies to queries without a limit (default 10).
	DefaultLimit int
	// MaxLimit caps query limits (default 100).
	MaxLimit int
	// MaxPending is how many out-of-order events are held back waiting for a missing
	// index before the gap is skipped (default 1024).
	MaxPending int
	// LiveRoutes are the routes consumed for live events (default every EventRoute).
	LiveRoutes []string
}

// Names keeps a name index of people and places up to date and answers name queries.
//
// Events are applied strictly in index order. Replay frames and live notifications feed
// the same pending set; anything at or below the last applied index is a duplicate and
// is skipped.
type Names struct {
	bus    Bus
	index  *nameindex.Locked
	logger *xlog.Logger
	opts   NamesOptions

	mu         sync.Mutex
	entities   map[string][]string
	lastSeen   int64
	pending    map[int64]eventlog.Event
	catchingUp bool
	caughtUp   chan struct{}
	replayID   string

	subs []xhist.Subscription
}

// NewNames returns an empty projection.
func NewNames(bus Bus, opts NamesOptions) *Names {
	if opts.ReplyTo == "" {
		opts.ReplyTo = "replies.names." + uuid.NewString()
	}
	if opts.CatchUpTimeout <= 0 {
		opts.CatchUpTimeout = 30 * time.Second
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 1024
	}
	if len(opts.LiveRoutes) == 0 {
		for _, t := range eventlog.Types() {
			opts.LiveRoutes = append(opts.LiveRoutes, EventRoute(t))
		}
	}
	return &Names{
		bus:      bus,
		index:    nameindex.NewLocked(nil),
		logger:   bus.Logger().With(xlog.Str("service", "names")),
		opts:     opts,
		entities: make(map[string][]string),
		pending:  make(map[int64]eventlog.Event),
	}
}

// Start subscribes to live events, replays history after the last seen index and then
// serves queries. It returns once the projection is current or ctx ends.
func (n *Names) Start(ctx context.Context) error {
	n.mu.Lock()
	n.catchingUp = true
	n.caughtUp = make(chan struct{})
	n.replayID = uuid.NewString()
	caughtUp, replayID, after := n.caughtUp, n.replayID, n.lastSeen
	n.mu.Unlock()

	if err := n.subscribe(ctx, n.opts.ReplyTo, n.handleReplayFrame); err != nil {
		return err
	}
	for _, route := range n.opts.LiveRoutes {
		if err := n.subscribe(ctx, route, n.handleLive); err != nil {
			n.Stop()
			return err
		}
	}

	clk := n.bus.Clock()
	start := clk.Now()
	err := n.bus.Publish(ctx, RouteReplay, replay.RequestType,
		replay.Params{LastEventID: after, Order: eventlog.Chronological.String()},
		xhist.WithCorrelationID(replayID),
		xhist.WithReplyTo(n.opts.ReplyTo),
	)
	if err != nil {
		n.Stop()
		return err
	}

	timer := clk.NewTimer(n.opts.CatchUpTimeout)
	defer timer.Stop()
	select {
	case <-caughtUp:
	case <-timer.C():
		n.Stop()
		return ErrCatchUpTimeout
	case <-ctx.Done():
		n.Stop()
		return ctx.Err()
	}

	n.logger.Info().
		Str("last_seen", strconv.FormatInt(n.LastSeen(), 10)).
		Str("keys", strconv.Itoa(n.index.Len())).
		Dur("duration", clk.Since(start)).
		Msg("names: caught up")

	return n.subscribeResponder(ctx)
}

func (n *Names) subscribeResponder(ctx context.Context) error {
	rsub, err := n.bus.Respond(ctx, RouteNameQueries, n.handleQuery)
	if err != nil {
		n.Stop()
		return err
	}
	n.mu.Lock()
	n.subs = append(n.subs, rsub)
	n.mu.Unlock()
	return nil
}

// Stop closes every subscription.
func (n *Names) Stop() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	closeAll(subs)
}

// LastSeen returns the highest applied event index.
func (n *Names) LastSeen() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSeen
}

// IndexKeys returns the number of keys in the name index.
func (n *Names) IndexKeys() int { return n.index.Len() }

// Find queries the index directly.
func (n *Names) Find(query string, limit int) []nameindex.Match {
	return n.index.Find(query, n.clampLimit(limit))
}

func (n *Names) subscribe(ctx context.Context, pattern string, h xhist.Handler) error {
	sub, err := n.bus.Subscribe(ctx, pattern, h)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

func (n *Names) handleReplayFrame(ctx context.Context, msg *xhist.Message) error {
	if msg.Name == replay.EndType {
		n.mu.Lock()
		defer n.mu.Unlock()
		if msg.CorrelationID != n.replayID || !n.catchingUp {
			return nil
		}
		n.catchingUp = false
		close(n.caughtUp)
		return nil
	}

	e, err := xhist.Decode[eventlog.Event](ctx, msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offerLocked(ctx, e)
	return nil
}

func (n *Names) handleLive(ctx context.Context, msg *xhist.Message) error {
	e, err := xhist.Decode[eventlog.Event](ctx, msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offerLocked(ctx, e)
	return nil
}

// offerLocked queues e and applies every event that is next in line. Callers hold n.mu.
func (n *Names) offerLocked(ctx context.Context, e eventlog.Event) {
	if e.Index <= n.lastSeen {
		return
	}
	n.pending[e.Index] = e
	for {
		next, ok := n.pending[n.lastSeen+1]
		if !ok {
			break
		}
		delete(n.pending, next.Index)
		n.applyLocked(ctx, next)
	}

	if !n.catchingUp && len(n.pending) > n.opts.MaxPending {
		n.skipGapLocked(ctx)
	}
}

// skipGapLocked gives up on missing indices and applies what is pending in order.
// A later replay repairs the projection.
func (n *Names) skipGapLocked(ctx context.Context) {
	indices := make([]int64, 0, len(n.pending))
	for idx := range n.pending {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	n.logger.Warn().
		Str("last_seen", strconv.FormatInt(n.lastSeen, 10)).
		Str("next", strconv.FormatInt(indices[0], 10)).
		Msg("names: skipping missing events")

	for _, idx := range indices {
		e := n.pending[idx]
		delete(n.pending, idx)
		n.applyLocked(ctx, e)
	}
}

func (n *Names) applyLocked(ctx context.Context, e eventlog.Event) {
	if err := eventlog.Dispatch(ctx, e, (*namesVisitor)(n)); err != nil {
		n.logger.Warn().Err(err).Str("index", strconv.FormatInt(e.Index, 10)).Str("type", string(e.Type)).Msg("names: event dropped")
	}
	n.lastSeen = e.Index
}

func (n *Names) handleQuery(ctx context.Context, req *xhist.Message) (string, any, error) {
	if req.Name != QueryResolveName {
		return ReplyUnknownQry, Unknown{Type: req.Name}, nil
	}
	q, err := xhist.Decode[ResolveName](ctx, req)
	if err != nil {
		return "", nil, err
	}
	matches := n.Find(q.Query, q.Limit)
	if matches == nil {
		matches = []nameindex.Match{}
	}
	return ReplyNameMatches, NameMatches{Matches: matches}, nil
}

func (n *Names) clampLimit(limit int) int {
	if limit <= 0 {
		return n.opts.DefaultLimit
	}
	return min(limit, n.opts.MaxLimit)
}

var errUnknownEntity = errors.New("unknown entity")

// namesVisitor applies events to the projection; the Names lock is held.
type namesVisitor Names

func (v *namesVisitor) add(id, name string) {
	v.entities[id] = append(v.entities[id], name)
	v.index.Index(name, id)
}

func (v *namesVisitor) PersonAdded(_ context.Context, _ eventlog.Event, p *eventlog.PersonAdded) error {
	v.add(p.PersonID, p.Name)
	return nil
}

func (v *namesVisitor) PlaceAdded(_ context.Context, _ eventlog.Event, p *eventlog.PlaceAdded) error {
	v.add(p.PlaceID, p.Name)
	return nil
}

func (v *namesVisitor) NameTagged(_ context.Context, _ eventlog.Event, p *eventlog.NameTagged) error {
	if _, ok := v.entities[p.EntityID]; !ok {
		return errUnknownEntity
	}
	v.add(p.EntityID, p.Name)
	return nil
}

func (v *namesVisitor) NameUntagged(_ context.Context, _ eventlog.Event, p *eventlog.NameUntagged) error {
	names, ok := v.entities[p.EntityID]
	if !ok {
		return errUnknownEntity
	}
	i := slices.Index(names, p.Name)
	if i < 0 {
		return errors.New("name not tagged")
	}
	remaining := slices.Delete(names, i, i+1)
	v.entities[p.EntityID] = remaining
	// keys can be shared between names of one entity
	v.index.Unindex(p.Name, p.EntityID)
	for _, name := range remaining {
		v.index.Index(name, p.EntityID)
	}
	return nil
}

func (v *namesVisitor) SummaryAdded(context.Context, eventlog.Event, *eventlog.SummaryAdded) error {
	return nil
}

// EventAnnulled is recorded but does not rewrite the projection.
func (v *namesVisitor) EventAnnulled(_ context.Context, e eventlog.Event, p *eventlog.EventAnnulled) error {
	v.logger.Info().
		Str("index", strconv.FormatInt(e.Index, 10)).
		Str("annulled", strconv.FormatInt(p.AnnulledIndex, 10)).
		Msg("names: annulment seen")
	return nil
}
