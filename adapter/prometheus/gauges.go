package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sources are read on every scrape. Nil sources are not registered.
type Sources struct {
	// ActiveReplays is the number of running history replay streams.
	ActiveReplays func() int
	// LogHead is the highest committed event index.
	LogHead func() int64
	// ProjectionLastSeen is the highest event index applied by the name projection.
	ProjectionLastSeen func() int64
	// IndexKeys is the number of keys in the name index.
	IndexKeys func() int
}

// RegisterSources registers one gauge per configured source.
func RegisterSources(reg prometheus.Registerer, src Sources) error {
	var cs []prometheus.Collector
	if src.ActiveReplays != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "xhist_replay_active_streams",
			Help: "History replay streams currently running",
		}, func() float64 { return float64(src.ActiveReplays()) }))
	}
	if src.LogHead != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "xhist_log_head_index",
			Help: "Highest committed event index",
		}, func() float64 { return float64(src.LogHead()) }))
	}
	if src.ProjectionLastSeen != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "xhist_names_last_seen_index",
			Help: "Highest event index applied by the name projection",
		}, func() float64 { return float64(src.ProjectionLastSeen()) }))
	}
	if src.IndexKeys != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "xhist_names_index_keys",
			Help: "Keys held by the name index",
		}, func() float64 { return float64(src.IndexKeys()) }))
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
