package xhist

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus telemetry to an xlog logger: state changes at info,
// failures at warn, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	if e.Type == StateChange {
		o.Logger.Info().Str("state", e.State.String()).Msg("xhist state")
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("event_name", e.EventName),
	)
	if e.CorrelationID != "" {
		ev = ev.With(xlog.Str("correlation_id", e.CorrelationID))
	}
	if e.Attempt > 0 {
		ev = ev.With(xlog.Str("attempt", strconv.Itoa(e.Attempt)))
	}
	switch {
	case e.Type == Error || e.Type == Reject:
		ev.Warn().Err(e.Err).Msg("xhist event")
	case e.Err != nil:
		ev.Warn().Err(e.Err).Dur("duration", e.Duration).Msg("xhist event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xhist event")
	}
}
