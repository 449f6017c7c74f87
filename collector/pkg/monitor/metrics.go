package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yandex/perftrace/internal/xmetrics"
)

type Metrics struct {
	streams     prometheus.Gauge
	pauses      prometheus.Counter
	transitions *prometheus.CounterVec
	forks       prometheus.Counter
}

func NewMetrics(r *xmetrics.Registry) *Metrics {
	r = r.WithPrefix("monitor")
	return &Metrics{
		streams:     r.Gauge("streams.open"),
		pauses:      r.Counter("congestion.pauses.count"),
		transitions: r.CounterVec("transitions.count", []string{"state"}),
		forks:       r.Counter("followed.threads.count"),
	}
}
