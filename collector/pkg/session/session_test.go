package session

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/collector/pkg/clock"
	"github.com/yandex/perftrace/collector/pkg/config"
	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/monitor"
	"github.com/yandex/perftrace/collector/pkg/report"
	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/perfeventtest"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
	"github.com/yandex/perftrace/pkg/ptr"
)

const clockOffset = 5_000_000

type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) Now() (int64, error) {
	return c.now.Load(), nil
}

type fixedCalibrator struct {
	err error
}

func (c fixedCalibrator) Calibrate(ctx context.Context) (clock.Calibration, error) {
	if c.err != nil {
		return clock.Calibration{}, c.err
	}
	return clock.Calibration{Mapping: clock.Mapping{Offset: clockOffset}, Uncertainty: time.Microsecond}, nil
}

type topology struct {
	mu   sync.Mutex
	cpus []int
}

func (t *topology) OnlineCPUs() ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.cpus...), nil
}

func (t *topology) set(cpus ...int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cpus = cpus
}

func noPidfd(linux.ProcessID) (monitor.ExitProbe, error) {
	return nil, errors.New("pidfd is not available")
}

type fixture struct {
	t          *testing.T
	kernel     *perfeventtest.Kernel
	sink       *sink.InMemory
	topology   *topology
	procfs     fstest.MapFS
	calibrator clock.Calibrator
}

func newFixture(t *testing.T, cpus ...int) *fixture {
	return &fixture{
		t:        t,
		kernel:   perfeventtest.NewKernel(),
		sink:     sink.NewInMemory(),
		topology: &topology{cpus: cpus},
		procfs: fstest.MapFS{
			"cpuinfo": file("processor\t: 0\nmodel name\t: Test CPU @ 2.00GHz\n"),
		},
		calibrator: fixedCalibrator{},
	}
}

func (f *fixture) session(conf *config.Config) *Session {
	l := zaptest.NewLogger(f.t)
	s, err := NewSession(conf, l, xmetrics.NewRegistry(),
		WithKernel(f.kernel),
		WithSink(f.sink),
		WithTopology(f.topology),
		WithProcFS(f.procfs),
		WithCalibrator(f.calibrator),
		WithKernelClock(&fakeClock{}),
		WithExitProbe(noPidfd),
	)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) event(match func(ev *perfeventtest.Event) bool) *perfeventtest.Event {
	var found *perfeventtest.Event
	require.Eventually(f.t, func() bool {
		for _, ev := range f.kernel.Events() {
			if !ev.Closed() && ev.Enabled() && !ev.Call().Member() && match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
	return found
}

func (f *fixture) cpuEvent(cpu int) *perfeventtest.Event {
	return f.event(func(ev *perfeventtest.Event) bool { return ev.CPU() == cpu })
}

func (f *fixture) threadEvent(tid int) *perfeventtest.Event {
	return f.event(func(ev *perfeventtest.Event) bool { return ev.PID() == tid })
}

func (f *fixture) write(ev *perfeventtest.Event, rec record.Record) {
	ok, err := ev.Write(rec)
	require.NoError(f.t, err)
	require.True(f.t, ok)
}

func (f *fixture) requireClean(s *Session) {
	require.Zero(f.t, s.handles.Outstanding())
	require.NoError(f.t, f.kernel.CheckClean())
	require.Equal(f.t, 1, f.sink.Flushes())
	require.Equal(f.t, 1, f.sink.Closes())
}

func file(data string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(data)}
}

func dir() *fstest.MapFile {
	return &fstest.MapFile{Mode: fs.ModeDir | 0o555}
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{PollInterval: time.Millisecond},
		Acquire: config.AcquireConfig{RetryBackoff: time.Millisecond},
	}
}

func sample(pid, tid, cpu uint32, ts uint64) *record.Sample {
	return &record.Sample{
		Header:    record.Header{Type: record.TypeSample, Misc: record.MiscUser},
		IP:        0x401000 + ts,
		PID:       pid,
		TID:       tid,
		Time:      ts,
		CPU:       cpu,
		Period:    1,
		Callchain: []uint64{record.ContextUser, 0x401000 + ts},
	}
}

func task(typ record.Type, pid, ppid, tid, ptid uint32, ts uint64) *record.Task {
	return &record.Task{
		Header:   record.Header{Type: typ},
		PID:      pid,
		PPID:     ppid,
		TID:      tid,
		PTID:     ptid,
		Time:     ts,
		SampleID: record.SampleID{PID: pid, TID: tid, Time: ts},
	}
}

func requireOrdered(t *testing.T, events []*event.Event) {
	for i := 1; i < len(events); i++ {
		require.LessOrEqual(t, events[i-1].Time, events[i].Time)
	}
}

func waitDone(t *testing.T, s *Session) {
	done := make(chan error, 1)
	go func() {
		done <- s.Wait()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

////////////////////////////////////////////////////////////////////////////////

func TestSystemScopeDeliversEveryEvent(t *testing.T) {
	f := newFixture(t, 0, 1)
	s := f.session(testConfig())
	require.NoError(t, s.Start(context.Background()))

	for cpu := 0; cpu < 2; cpu++ {
		ev := f.cpuEvent(cpu)
		for i := 0; i < 100; i++ {
			f.write(ev, sample(1, 1, uint32(cpu), uint64(1+2*i+cpu)))
		}
	}
	require.NoError(t, s.Stop(context.Background()))

	events := f.sink.Events()
	require.Len(t, events, 200)
	requireOrdered(t, events)
	require.Equal(t, int64(1+clockOffset), events[0].Time)

	perCPU := map[int]int{}
	for _, ev := range events {
		perCPU[ev.Target.CPU]++
	}
	require.Equal(t, map[int]int{0: 100, 1: 100}, perCPU)

	summary := s.Summary()
	require.Equal(t, s.RunID(), summary.RunID)
	require.Equal(t, 2, summary.Monitors)
	require.Equal(t, 2, summary.Stats.Opened)
	require.EqualValues(t, 200, summary.Stats.Records)
	require.EqualValues(t, 200, summary.Emitted)
	require.Zero(t, summary.Stats.Lost)
	require.ElementsMatch(t, []string{"cpu-0", "cpu-1"}, summary.Finished)
	f.requireClean(s)
}

func TestSamplesCarryCounterGroup(t *testing.T) {
	f := newFixture(t, 0)
	conf := testConfig()
	conf.PerfEvent.Counters = []string{"instructions", "cycles"}
	s := f.session(conf)
	require.NoError(t, s.Start(context.Background()))

	ev := f.cpuEvent(0)
	require.NotZero(t, ev.Call().Attr.Sample_type&unix.PERF_SAMPLE_READ)

	rec := sample(1, 1, 0, 10)
	rec.Read = &record.ReadValues{
		TimeEnabled: 200,
		TimeRunning: 100,
		Values:      []record.CounterValue{{Value: 1, ID: 1}, {Value: 500, ID: 2}, {Value: 900, ID: 3}},
	}
	f.write(ev, rec)
	require.NoError(t, s.Stop(context.Background()))

	samples := f.sink.EventsOf(event.KindSample)
	require.Len(t, samples, 1)
	counters := samples[0].Counters()
	require.NotNil(t, counters)
	require.Len(t, counters.Values, 3)
	require.EqualValues(t, 1000, counters.Scaled(1))
	require.Equal(t, 1, s.Summary().Stats.Opened)
	f.requireClean(s)
}

func TestProcessScopeStopsWithProcessTree(t *testing.T) {
	f := newFixture(t)
	f.procfs["4000/stat"] = file("4000 (app) S 1")
	f.procfs["4000/task/4000"] = dir()
	f.procfs["4000/maps"] = file("" +
		"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/app\n" +
		"7f0000000000-7f0000021000 r-xp 00000000 08:02 42 /usr/lib/libc.so.6\n",
	)

	conf := testConfig()
	conf.Scope = config.ScopeConfig{Kind: target.ScopeProcess, PID: 4000}
	s := f.session(conf)
	sub := s.States().Subscribe(16)
	defer sub.Close()

	require.NoError(t, s.Start(context.Background()))

	root := f.threadEvent(4000)
	f.write(root, sample(4000, 4000, 0, 10))
	f.write(root, task(record.TypeFork, 4000, 4000, 4001, 4000, 11))

	child := f.threadEvent(4001)
	f.write(child, sample(4000, 4001, 1, 12))
	f.write(child, task(record.TypeExit, 4000, 4000, 4001, 4000, 13))
	f.write(root, task(record.TypeExit, 4000, 1, 4000, 1, 14))

	waitDone(t, s)

	var states []monitor.State
	for len(sub.Chan()) > 0 {
		change := <-sub.Chan()
		require.Equal(t, "process-4000", change.Monitor)
		states = append(states, change.To)
	}
	require.Equal(t, []monitor.State{monitor.StateRunning, monitor.StateStopping, monitor.StateStopped}, states)

	require.Len(t, f.sink.EventsOf(event.KindMmap), 2)
	require.Len(t, f.sink.EventsOf(event.KindSample), 2)
	require.Len(t, f.sink.EventsOf(event.KindFork), 1)
	require.Len(t, f.sink.EventsOf(event.KindExit), 2)
	requireOrdered(t, f.sink.Events())

	summary := s.Summary()
	require.Equal(t, []string{"process-4000"}, summary.Finished)
	require.Equal(t, 2, summary.Stats.Opened)
	f.requireClean(s)
}

func TestProcessScopeFollowsChildProcess(t *testing.T) {
	f := newFixture(t)
	f.procfs["4000/stat"] = file("4000 (app) S 1")
	f.procfs["4000/task/4000"] = dir()

	conf := testConfig()
	conf.Scope = config.ScopeConfig{Kind: target.ScopeProcess, PID: 4000}
	conf.Monitor.InitialMappings = ptr.T(false)
	s := f.session(conf)
	require.NoError(t, s.Start(context.Background()))

	root := f.threadEvent(4000)
	f.write(root, sample(4000, 4000, 0, 10))
	f.write(root, task(record.TypeFork, 5000, 4000, 5000, 4000, 11))

	child := f.threadEvent(5000)
	f.write(child, sample(5000, 5000, 1, 12))
	f.write(child, task(record.TypeExit, 5000, 4000, 5000, 4000, 13))
	f.write(root, task(record.TypeExit, 4000, 1, 4000, 1, 14))

	waitDone(t, s)

	samples := f.sink.EventsOf(event.KindSample)
	require.Len(t, samples, 2)
	require.Equal(t, target.Thread(5000, 5000), samples[1].Target)
	require.Len(t, f.sink.EventsOf(event.KindFork), 1)
	require.Len(t, f.sink.EventsOf(event.KindExit), 2)
	requireOrdered(t, f.sink.Events())

	summary := s.Summary()
	require.Equal(t, []string{"process-4000"}, summary.Finished)
	require.Equal(t, 2, summary.Stats.Opened)
	f.requireClean(s)
}

func TestDeniedProcessRootIsNoTarget(t *testing.T) {
	f := newFixture(t)
	f.procfs["4000/stat"] = file("4000 (app) S 1")
	f.procfs["4000/task/4000"] = dir()
	f.kernel.Fail(perfeventtest.Rule{Match: func(perfeventtest.OpenCall) bool { return true }, Err: unix.EACCES})

	conf := testConfig()
	conf.Scope = config.ScopeConfig{Kind: target.ScopeProcess, PID: 4000}
	s := f.session(conf)
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNoTargets)
	require.Equal(t, perfevent.ClassPermission, perfevent.Classify(err))
	f.requireClean(s)
}

func TestDeniedCPUIsReportedOnce(t *testing.T) {
	f := newFixture(t, 0, 1, 2)
	f.kernel.Fail(perfeventtest.Rule{Match: perfeventtest.OnCPU(1), Err: unix.EACCES})

	s := f.session(testConfig())
	require.NoError(t, s.Start(context.Background()))

	for _, cpu := range []int{0, 2} {
		ev := f.cpuEvent(cpu)
		for i := 0; i < 10; i++ {
			f.write(ev, sample(1, 1, uint32(cpu), uint64(1+i)))
		}
	}
	require.NoError(t, s.Stop(context.Background()))

	summary := s.Summary()
	require.Len(t, summary.Degraded, 1)
	require.Equal(t, report.ClassPermission, summary.Degraded[0].Class)
	require.Equal(t, "cpu=1", summary.Degraded[0].First)
	require.Equal(t, 2, summary.Monitors)
	require.Equal(t, 2, summary.Stats.Opened)
	require.Equal(t, 1, summary.Stats.Skipped)

	events := f.sink.Events()
	require.Len(t, events, 20)
	for _, ev := range events {
		require.Contains(t, []int{0, 2}, ev.Target.CPU)
	}
	requireOrdered(t, events)
	f.requireClean(s)
}

func TestRingOverflowBecomesGaps(t *testing.T) {
	f := newFixture(t, 0)
	conf := testConfig()
	conf.Monitor.PollInterval = 20 * time.Millisecond
	s := f.session(conf)
	require.NoError(t, s.Start(context.Background()))

	deep := func(ts uint64) *record.Sample {
		rec := sample(1, 1, 0, ts)
		rec.Callchain = make([]uint64, 0, 128)
		rec.Callchain = append(rec.Callchain, record.ContextUser)
		for i := 0; i < 127; i++ {
			rec.Callchain = append(rec.Callchain, 0x401000+uint64(i))
		}
		return rec
	}

	ev := f.cpuEvent(0)
	written := 0
	for i := 0; i < 400; i++ {
		ok, err := ev.Write(deep(uint64(i + 1)))
		require.NoError(t, err)
		if ok {
			written++
		}
	}
	require.NotZero(t, ev.Dropped())

	require.Eventually(t, func() bool { return ev.Pending() == 0 }, 5*time.Second, time.Millisecond)
	f.write(ev, sample(1, 1, 0, 1000))
	written++
	require.Eventually(t, func() bool { return ev.Pending() == 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))

	gaps := f.sink.Gaps()
	require.NotEmpty(t, gaps)
	var lost uint64
	for _, gap := range gaps {
		lost += gap.Lost
	}
	require.Equal(t, ev.Dropped(), lost)

	samples := f.sink.EventsOf(event.KindSample)
	require.Len(t, samples, written)
	require.Equal(t, int64(1000+clockOffset), samples[len(samples)-1].Time)
	require.Equal(t, ev.Dropped(), s.Summary().Stats.Lost)
	f.requireClean(s)
}

func TestNoTargetIsFatal(t *testing.T) {
	f := newFixture(t, 0, 1)
	f.kernel.Fail(perfeventtest.Rule{Match: func(perfeventtest.OpenCall) bool { return true }, Err: unix.ENODEV})

	s := f.session(testConfig())
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNoTargets)
	require.Error(t, s.Stop(context.Background()))
	f.requireClean(s)
}

func TestCalibrationFailureIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.calibrator = fixedCalibrator{err: errors.New("clock went away")}

	s := f.session(testConfig())
	err := s.Start(context.Background())
	require.ErrorIs(t, err, clock.ErrCalibration)
	require.Empty(t, f.kernel.Calls())
}

func TestDurationStopsSession(t *testing.T) {
	f := newFixture(t, 0)
	conf := testConfig()
	conf.Duration = 200 * time.Millisecond
	s := f.session(conf)
	require.NoError(t, s.Start(context.Background()))

	f.write(f.cpuEvent(0), sample(1, 1, 0, 1))
	waitDone(t, s)

	require.Len(t, f.sink.Events(), 1)
	require.Equal(t, []string{"cpu-0"}, s.Summary().Finished)
	f.requireClean(s)
}

func TestHotplugStartsMonitorForNewCPU(t *testing.T) {
	f := newFixture(t, 0)
	conf := testConfig()
	conf.Hotplug = config.HotplugConfig{Enabled: true, Interval: time.Millisecond}
	s := f.session(conf)
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, s.Monitors(), 1)

	f.topology.set(0, 1)
	require.Eventually(t, func() bool { return len(s.Monitors()) == 2 }, 5*time.Second, time.Millisecond)

	f.write(f.cpuEvent(1), sample(1, 1, 1, 5))
	require.NoError(t, s.Stop(context.Background()))

	events := f.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, 1, events[0].Target.CPU)
	require.ElementsMatch(t, []string{"cpu-0", "cpu-1"}, s.Summary().Finished)
	f.requireClean(s)
}
