package writersroom

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Sessions        prometheus.Gauge
	UpdatesApplied  prometheus.Counter
	BadFrames       prometheus.Counter
	Appends         prometheus.Counter
	AppendFailures  prometheus.Counter
	Compactions     prometheus.Counter
	FanoutPublished prometheus.Counter
	FallbackResults *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "writersroom_sessions",
			Help: "Open sync sessions.",
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_updates_applied_total",
			Help: "Update frames applied to a replica.",
		}),
		BadFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_bad_frames_total",
			Help: "Frames dropped as malformed or inapplicable.",
		}),
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_journal_appends_total",
			Help: "Successful journal appends.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_journal_append_failures_total",
			Help: "Failed journal append attempts, including retries.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_journal_compactions_total",
			Help: "Completed journal compactions.",
		}),
		FanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writersroom_fanout_published_total",
			Help: "Envelopes published to the fanout relay.",
		}),
		FallbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writersroom_fallback_results_total",
			Help: "Fallback apply_change outcomes by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Sessions, m.UpdatesApplied, m.BadFrames,
		m.Appends, m.AppendFailures, m.Compactions,
		m.FanoutPublished, m.FallbackResults)
}
