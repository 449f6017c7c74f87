package xmetrics

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry is a prefix-scoped view over one prometheus registry.
// Metric names use dots as separators and are sanitized on registration.
type Registry struct {
	reg         *prometheus.Registry
	prefix      string
	constLabels prometheus.Labels
}

func NewRegistry(options ...Option) *Registry {
	conf := collectOptions(options...)

	reg := prometheus.NewRegistry()
	if conf.goCollector {
		reg.MustRegister(collectors.NewGoCollector())
	}
	if conf.processCollector {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &Registry{reg: reg, constLabels: conf.constLabels}
}

func (r *Registry) WithPrefix(prefix string) *Registry {
	next := *r
	if next.prefix == "" {
		next.prefix = prefix
	} else {
		next.prefix = next.prefix + "." + prefix
	}
	return &next
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) HTTPHandler(l *zap.Logger) http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(l.Named("metrics")),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (r *Registry) Counter(name string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        r.name(name),
		Help:        name,
		ConstLabels: r.constLabels,
	})
	return register(r.reg, c)
}

func (r *Registry) Gauge(name string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        r.name(name),
		Help:        name,
		ConstLabels: r.constLabels,
	})
	return register(r.reg, g)
}

func (r *Registry) CounterVec(name string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        r.name(name),
		Help:        name,
		ConstLabels: r.constLabels,
	}, labels)
	return register(r.reg, c)
}

func (r *Registry) GaugeVec(name string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        r.name(name),
		Help:        name,
		ConstLabels: r.constLabels,
	}, labels)
	return register(r.reg, g)
}

func (r *Registry) name(name string) string {
	if r.prefix != "" {
		name = r.prefix + "." + name
	}
	return sanitizePrometheusMetricName(name)
}

// register returns the already registered collector when several
// components ask for the same metric.
func register[C prometheus.Collector](reg *prometheus.Registry, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

// See https://prometheus.io/docs/concepts/data_model/#metric-names-and-labels
var prometheusMetricSanitizer = strings.NewReplacer(
	".", "_",
	"-", "_",
)

func sanitizePrometheusMetricName(name string) string {
	return prometheusMetricSanitizer.Replace(name)
}
