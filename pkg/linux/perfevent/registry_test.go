package perfevent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/perfeventtest"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
	"github.com/yandex/perftrace/pkg/ptr"
)

func newRegistry(t *testing.T, kernel *perfeventtest.Kernel) *perfevent.HandleRegistry {
	return perfevent.NewHandleRegistry(
		zaptest.NewLogger(t),
		xmetrics.NewRegistry(),
		perfevent.WithKernel(kernel),
		perfevent.WithRetryBackoff(time.Millisecond),
	)
}

func cpuTarget(cpu int) perfevent.Target {
	return perfevent.Target{CPU: ptr.T(cpu)}
}

func cpuClock() *perfevent.Options {
	return &perfevent.Options{
		Type:      perfevent.CPUClock,
		Frequency: ptr.T(uint64(1000)),
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	reg := newRegistry(t, kernel)

	h, err := reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	require.NoError(t, err)
	_, err = h.Map(4)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Outstanding())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.NoError(t, reg.Release(h))

	require.True(t, h.Released())
	require.Equal(t, 0, reg.Outstanding())
	require.NoError(t, kernel.CheckClean())
	require.ErrorIs(t, h.Enable(), perfevent.ErrReleased)
}

func TestObserverOfReleasedHandle(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	reg := newRegistry(t, kernel)

	first, err := reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	require.NoError(t, err)

	ref := reg.Observe(first)
	require.True(t, ref.Valid())
	require.True(t, ref.Is(first))
	require.True(t, first.Is(ref))
	require.True(t, ref.Equal(first.Ref()))

	require.NoError(t, first.Close())
	require.False(t, ref.Valid())
	require.False(t, ref.Is(first))
	require.False(t, first.Is(ref))

	second, err := reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, first.FD(), second.FD(), "fd number is expected to be reused")
	require.False(t, ref.Is(second))
	require.False(t, second.Is(ref))
	require.False(t, ref.Equal(second.Ref()))

	_, ok := reg.Lookup(ref)
	require.False(t, ok)
	found, ok := reg.Lookup(second.Ref())
	require.True(t, ok)
	require.Same(t, second, found)

	stale := reg.Observe(first)
	require.False(t, stale.Valid())
	require.False(t, stale.Is(second))
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err   error
		class perfevent.ErrorClass
	}{
		{unix.EACCES, perfevent.ClassPermission},
		{unix.EPERM, perfevent.ClassPermission},
		{unix.EMFILE, perfevent.ClassScarcity},
		{unix.ENFILE, perfevent.ClassScarcity},
		{unix.ENOMEM, perfevent.ClassScarcity},
		{unix.EBUSY, perfevent.ClassScarcity},
		{unix.EINVAL, perfevent.ClassUnsupported},
		{unix.EOPNOTSUPP, perfevent.ClassUnsupported},
		{unix.ENOENT, perfevent.ClassUnsupported},
		{unix.ENODEV, perfevent.ClassUnsupported},
		{unix.ESRCH, perfevent.ClassGone},
		{unix.EIO, perfevent.ClassOther},
		{errors.New("boom"), perfevent.ClassOther},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			require.Equal(t, tc.class, perfevent.Classify(tc.err))
			wrapped := &perfevent.AcquireError{Class: perfevent.Classify(tc.err), Err: tc.err}
			require.Equal(t, tc.class, perfevent.Classify(wrapped))
			require.ErrorIs(t, wrapped, tc.err)
		})
	}
}

func TestPreciseIPFallback(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{
		Match: func(c perfeventtest.OpenCall) bool { return c.PreciseIP() > 1 },
		Err:   unix.EOPNOTSUPP,
	})
	reg := newRegistry(t, kernel)

	opts := cpuClock()
	opts.PreciseIP = 3
	h, err := reg.Acquire(context.Background(), cpuTarget(1), opts)
	require.NoError(t, err)
	defer h.Close()

	require.EqualValues(t, 1, h.Options().PreciseIP)
	require.EqualValues(t, 3, opts.PreciseIP, "caller options must not be modified")

	calls := kernel.Calls()
	require.Len(t, calls, 3)
	for i, precise := range []uint8{3, 2, 1} {
		assert.Equal(t, precise, calls[i].PreciseIP())
	}
}

func TestScarcityIsRetriedOnce(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{Err: unix.EMFILE, Times: 1})
	reg := newRegistry(t, kernel)

	h, err := reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Len(t, kernel.Calls(), 2)

	kernel.Fail(perfeventtest.Rule{Err: unix.EMFILE})
	_, err = reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	var acquireErr *perfevent.AcquireError
	require.ErrorAs(t, err, &acquireErr)
	require.Equal(t, perfevent.ClassScarcity, acquireErr.Class)
	require.Len(t, kernel.Calls(), 4)
}

func TestScarcityRetryHonoursContext(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{Err: unix.EAGAIN})
	reg := perfevent.NewHandleRegistry(
		zaptest.NewLogger(t),
		xmetrics.NewRegistry(),
		perfevent.WithKernel(kernel),
		perfevent.WithRetryBackoff(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Acquire(ctx, cpuTarget(0), cpuClock())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPermissionFallsBackToUserOnly(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{
		Match: func(c perfeventtest.OpenCall) bool { return !c.ExcludeKernel() },
		Err:   unix.EACCES,
	})
	reg := newRegistry(t, kernel)

	h, err := reg.Acquire(context.Background(), cpuTarget(0), cpuClock())
	require.NoError(t, err)
	defer h.Close()

	require.True(t, h.ReducedFidelity())
	require.True(t, h.Options().ExcludeKernel)
}

func TestPermissionDenied(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{Match: perfeventtest.OnCPU(2), Err: unix.EPERM})
	metrics := xmetrics.NewRegistry()
	reg := perfevent.NewHandleRegistry(zaptest.NewLogger(t), metrics, perfevent.WithKernel(kernel))

	_, err := reg.Acquire(context.Background(), cpuTarget(2), cpuClock())
	require.Error(t, err)
	require.Equal(t, perfevent.ClassPermission, perfevent.Classify(err))

	errorsByClass := metrics.WithPrefix("perfevent").CounterVec("acquire.errors", []string{"class"})
	require.Equal(t, 1.0, testutil.ToFloat64(errorsByClass.WithLabelValues("permission")))
	require.Equal(t, 0, reg.Outstanding())
}

func TestCloseAll(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	reg := newRegistry(t, kernel)

	for cpu := 0; cpu < 8; cpu++ {
		h, err := reg.Acquire(context.Background(), cpuTarget(cpu), cpuClock())
		require.NoError(t, err)
		if cpu%2 == 0 {
			_, err = h.Map(1)
			require.NoError(t, err)
		}
	}
	require.Equal(t, 8, reg.Outstanding())
	require.Equal(t, 8, kernel.OpenFDs())

	require.NoError(t, reg.CloseAll())
	require.Equal(t, 0, reg.Outstanding())
	require.NoError(t, kernel.CheckClean())
}

func TestMapRequiresPowerOfTwo(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	reg := newRegistry(t, kernel)

	h, err := reg.Acquire(context.Background(), perfevent.Target{ThreadID: ptr.T(42)}, cpuClock())
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Map(3)
	require.Error(t, err)

	ring, err := h.Map(8)
	require.NoError(t, err)
	require.EqualValues(t, 8*kernel.PageSize(), ring.Size())

	again, err := h.Map(8)
	require.NoError(t, err)
	require.Same(t, ring, again)
}

func TestCounterGroup(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{
		Match: func(c perfeventtest.OpenCall) bool {
			return c.Member() && c.Attr.Type == unix.PERF_TYPE_HW_CACHE
		},
		Err: unix.ENOENT,
	})
	reg := newRegistry(t, kernel)

	opts := cpuClock()
	opts.Counters = []perfevent.Type{perfevent.CPUInstructions, perfevent.LLCacheLoadMisses, perfevent.CPUCycles}
	h, err := reg.Acquire(context.Background(), cpuTarget(1), opts)
	require.NoError(t, err)

	counters := h.Counters()
	require.Len(t, counters, 2, "the cache counter is left out")
	require.Equal(t, perfevent.CPUInstructions, counters[0].Type)
	require.Equal(t, perfevent.CPUCycles, counters[1].Type)
	require.NotEqual(t, counters[0].ID, counters[1].ID)

	layout := h.Layout()
	require.NotZero(t, layout.SampleType&unix.PERF_SAMPLE_READ)
	require.NotZero(t, layout.ReadFormat&record.ReadFormatGroup)

	calls := kernel.Calls()
	require.Len(t, calls, 4)
	leader := calls[0]
	require.False(t, leader.Member())
	require.Equal(t, layout.ReadFormat, leader.Attr.Read_format)
	for _, call := range calls[1:] {
		require.Equal(t, h.FD(), call.GroupFD)
		require.Equal(t, 1, call.CPU)
		require.Zero(t, call.Attr.Sample_type)
		require.Zero(t, call.Attr.Bits&unix.PerfBitDisabled, "members follow the leader")
	}

	require.Equal(t, 3, kernel.OpenFDs())
	require.Equal(t, 1, reg.Outstanding())
	require.NoError(t, h.Close())
	require.NoError(t, kernel.CheckClean())
	require.Zero(t, kernel.OpenFDs())
}

func TestCounterGroupFailureClosesEverything(t *testing.T) {
	kernel := perfeventtest.NewKernel()
	kernel.Fail(perfeventtest.Rule{
		Match: func(c perfeventtest.OpenCall) bool {
			return c.Member() && c.Attr.Config == unix.PERF_COUNT_HW_CPU_CYCLES
		},
		Err: unix.EACCES,
	})
	reg := newRegistry(t, kernel)

	opts := cpuClock()
	opts.Counters = []perfevent.Type{perfevent.CPUInstructions, perfevent.CPUCycles}
	_, err := reg.Acquire(context.Background(), cpuTarget(0), opts)

	var acquireErr *perfevent.AcquireError
	require.ErrorAs(t, err, &acquireErr)
	require.Equal(t, perfevent.ClassPermission, acquireErr.Class)
	require.Zero(t, reg.Outstanding())
	require.Zero(t, kernel.OpenFDs())
	require.NoError(t, kernel.CheckClean())
}
