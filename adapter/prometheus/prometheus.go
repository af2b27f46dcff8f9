// Package prometheus exports bus telemetry and service gauges to Prometheus.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xhist"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
}

// Observer turns bus lifecycle events into Prometheus series. Attach it with
// BusBuilder.WithObserver or Bus.AddObserver.
type Observer struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	consumed        *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	state           prometheus.Gauge
}

var _ xhist.Observer = (*Observer)(nil)

// NewObserver registers the bus metrics on reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhist_bus_published_total",
			Help: "Messages published, by message name",
		}, []string{"name"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xhist_bus_publish_duration_seconds",
			Help:    "Publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"name"}),

		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhist_bus_consumed_total",
			Help: "Messages settled by handlers, by message name and outcome",
		}, []string{"name", "outcome"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xhist_bus_handle_duration_seconds",
			Help:    "Handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"name"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhist_bus_errors_total",
			Help: "Failed bus operations, by stage",
		}, []string{"stage"}),

		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xhist_bus_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 shutting down, 4 closed)",
		}),
	}

	for _, c := range []prometheus.Collector{o.published, o.publishDuration, o.consumed, o.handleDuration, o.errors, o.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent records one lifecycle event. It never blocks.
func (o *Observer) OnEvent(e xhist.Event) {
	switch e.Type {
	case xhist.PublishDone:
		if e.Err != nil {
			o.errors.WithLabelValues("publish").Inc()
			return
		}
		o.published.WithLabelValues(e.EventName).Inc()
		if e.Duration > 0 {
			o.publishDuration.WithLabelValues(e.EventName).Observe(e.Duration.Seconds())
		}
	case xhist.ConsumeDone:
		o.handleDuration.WithLabelValues(e.EventName).Observe(e.Duration.Seconds())
	case xhist.Ack:
		o.consumed.WithLabelValues(e.EventName, "ack").Inc()
	case xhist.Reject:
		o.consumed.WithLabelValues(e.EventName, "reject").Inc()
	case xhist.Error:
		o.errors.WithLabelValues("bus").Inc()
	case xhist.StateChange:
		o.state.Set(float64(e.State))
	}
}
