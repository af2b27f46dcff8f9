package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xhist"
)

func TestObserver_RecordsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	o.OnEvent(xhist.Event{Type: xhist.PublishDone, EventName: "PERSON_ADDED", Duration: time.Millisecond})
	o.OnEvent(xhist.Event{Type: xhist.PublishDone, EventName: "PERSON_ADDED", Duration: time.Millisecond})
	o.OnEvent(xhist.Event{Type: xhist.PublishDone, EventName: "PERSON_ADDED", Err: errors.New("down")})
	o.OnEvent(xhist.Event{Type: xhist.ConsumeDone, EventName: "APPEND_EVENTS", Duration: 3 * time.Millisecond})
	o.OnEvent(xhist.Event{Type: xhist.Ack, EventName: "APPEND_EVENTS"})
	o.OnEvent(xhist.Event{Type: xhist.Reject, EventName: "APPEND_EVENTS"})
	o.OnEvent(xhist.Event{Type: xhist.Reject, EventName: "APPEND_EVENTS"})
	o.OnEvent(xhist.Event{Type: xhist.StateChange, State: xhist.StateConnected})

	assert.Equal(t, 2.0, testutil.ToFloat64(o.published.WithLabelValues("PERSON_ADDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.errors.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.consumed.WithLabelValues("APPEND_EVENTS", "ack")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.consumed.WithLabelValues("APPEND_EVENTS", "reject")))
	assert.Equal(t, float64(xhist.StateConnected), testutil.ToFloat64(o.state))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["xhist_bus_handle_duration_seconds"])
	assert.True(t, names["xhist_bus_publish_duration_seconds"])
}

func TestObserver_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)
	_, err = NewObserver(reg)
	assert.Error(t, err)
}

func TestRegisterSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	active := 2
	require.NoError(t, RegisterSources(reg, Sources{
		ActiveReplays:      func() int { return active },
		LogHead:            func() int64 { return 42 },
		ProjectionLastSeen: func() int64 { return 40 },
	}))

	active = 5

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 3)
	values := make(map[string]float64)
	for _, mf := range mfs {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 5.0, values["xhist_replay_active_streams"])
	assert.Equal(t, 42.0, values["xhist_log_head_index"])
	assert.Equal(t, 40.0, values["xhist_names_last_seen_index"])
	_, hasKeys := values["xhist_names_index_keys"]
	assert.False(t, hasKeys)
}
