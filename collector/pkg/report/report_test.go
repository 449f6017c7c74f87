package report

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
)

func TestOneReportPerClass(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := xmetrics.NewRegistry()
	r := NewReporter(zap.New(core), metrics)

	denied := errors.New("denied")
	r.Degraded(ClassPermission, "cpu=1", denied)
	r.Degraded(ClassPermission, "cpu=2", denied)
	r.Degraded(ClassUnsupported, "cpu=3", errors.New("no pmu"))
	r.Degraded(ClassPermission, "cpu=4", denied)

	reports := r.Reports()
	require.Len(t, reports, 2)
	require.Equal(t, Report{Class: ClassPermission, First: "cpu=1", Err: denied, Occurrences: 3}, reports[0])
	require.Equal(t, ClassUnsupported, reports[1].Class)

	require.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	counter := metrics.WithPrefix("report").CounterVec("degraded.count", []string{"class"})
	require.Equal(t, 3.0, testutil.ToFloat64(counter.WithLabelValues("permission")))
}

func TestClassOf(t *testing.T) {
	require.Equal(t, ClassPermission, ClassOf(perfevent.ClassPermission))
	require.Equal(t, ClassUnsupported, ClassOf(perfevent.ClassUnsupported))
	require.Equal(t, ClassScarcity, ClassOf(perfevent.ClassScarcity))
	require.Equal(t, ClassOther, ClassOf(perfevent.ClassGone))
}
