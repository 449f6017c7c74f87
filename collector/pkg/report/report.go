package report

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
)

type Class string

const (
	ClassPermission      Class = "permission"
	ClassUnsupported     Class = "unsupported"
	ClassScarcity        Class = "scarcity"
	ClassReducedFidelity Class = "reduced_fidelity"
	ClassOther           Class = "other"
)

// ClassOf maps an acquisition failure to the degradation it causes.
func ClassOf(class perfevent.ErrorClass) Class {
	switch class {
	case perfevent.ClassPermission:
		return ClassPermission
	case perfevent.ClassUnsupported:
		return ClassUnsupported
	case perfevent.ClassScarcity:
		return ClassScarcity
	default:
		return ClassOther
	}
}

// Report summarizes every occurrence of one degradation class.
type Report struct {
	Class       Class
	First       string
	Err         error
	Occurrences int
}

// Reporter collects degradations. Each class is reported once; later
// occurrences only bump the count.
type Reporter struct {
	logger   *zap.Logger
	degraded *prometheus.CounterVec

	mu      sync.Mutex
	reports map[Class]*Report
	order   []Class
}

func NewReporter(l *zap.Logger, r *xmetrics.Registry) *Reporter {
	return &Reporter{
		logger:   l.Named("report"),
		degraded: r.WithPrefix("report").CounterVec("degraded.count", []string{"class"}),
		reports:  make(map[Class]*Report),
	}
}

// Degraded records that target runs degraded or was skipped because of err.
func (r *Reporter) Degraded(class Class, target string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.degraded.WithLabelValues(string(class)).Inc()

	if report, ok := r.reports[class]; ok {
		report.Occurrences++
		r.logger.Debug("Degraded again", zap.String("class", string(class)), zap.String("target", target), zap.Error(err))
		return
	}

	r.reports[class] = &Report{Class: class, First: target, Err: err, Occurrences: 1}
	r.order = append(r.order, class)
	r.logger.Warn("Monitoring is degraded",
		zap.String("class", string(class)),
		zap.String("target", target),
		zap.Error(err),
	)
}

// Reports returns one report per class in order of first occurrence.
func (r *Reporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]Report, 0, len(r.order))
	for _, class := range r.order {
		res = append(res, *r.reports[class])
	}
	return res
}
