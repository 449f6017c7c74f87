package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yandex/perftrace/internal/xmetrics"
)

// Metrics are shared by every reader of a run.
type Metrics struct {
	records   *prometheus.CounterVec
	bytes     prometheus.Counter
	lost      prometheus.Counter
	resyncs   prometheus.Counter
	throttled prometheus.Counter
}

func NewMetrics(r *xmetrics.Registry) *Metrics {
	r = r.WithPrefix("stream")
	return &Metrics{
		records:   r.CounterVec("records.count", []string{"kind"}),
		bytes:     r.Counter("bytes.count"),
		lost:      r.Counter("lost.count"),
		resyncs:   r.Counter("resync.count"),
		throttled: r.Counter("throttle.count"),
	}
}
