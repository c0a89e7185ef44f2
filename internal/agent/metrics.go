package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the agent. Built with a nil registerer the
// collectors work but are not exported.
type Metrics struct {
	messages       *prometheus.CounterVec
	acks           prometheus.Counter
	sessionsOpened *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	noRoute        prometheus.Counter
	bindFailures   prometheus.Counter
	sessions       prometheus.Gauge
	imports        prometheus.Gauge
	exports        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "control_messages_total",
			Help:      "Inbound control messages by kind.",
		}, []string{"kind"}),
		acks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "acks_sent_total",
			Help:      "Acknowledgements sent for reliable messages.",
		}),
		sessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "sessions_opened_total",
			Help:      "Tunneled connections opened, by side.",
		}, []string{"side"}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "sessions_closed_total",
			Help:      "Tunneled connections closed, by reason.",
		}, []string{"reason"}),
		noRoute: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "no_route_total",
			Help:      "NO_ROUTE notices received.",
		}),
		bindFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cpe_tunnel",
			Name:      "bind_exhausted_total",
			Help:      "Import requests that found no free local port.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpe_tunnel",
			Name:      "sessions",
			Help:      "Live tunneled connections.",
		}),
		imports: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpe_tunnel",
			Name:      "import_mappings",
			Help:      "Bound import mappings.",
		}),
		exports: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpe_tunnel",
			Name:      "export_mappings",
			Help:      "Advertised export mappings.",
		}),
	}
}

func side(serviceSide bool) string {
	if serviceSide {
		return "service"
	}
	return "client"
}
