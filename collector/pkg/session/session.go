package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/collector/pkg/clock"
	"github.com/yandex/perftrace/collector/pkg/config"
	"github.com/yandex/perftrace/collector/pkg/merger"
	"github.com/yandex/perftrace/collector/pkg/monitor"
	"github.com/yandex/perftrace/collector/pkg/report"
	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/stream"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/collector/pkg/unwind"
	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/cpuinfo"
	"github.com/yandex/perftrace/pkg/linux/cpulist"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/procfs"
	"github.com/yandex/perftrace/pkg/linux/uname"
	"github.com/yandex/perftrace/pkg/ptr"
	"github.com/yandex/perftrace/pkg/pubsub"
)

var (
	ErrStopped   = errors.New("session is stopped")
	ErrNoTargets = errors.New("no target could be opened")
)

type ProbeOpener func(pid linux.ProcessID) (monitor.ExitProbe, error)

type Option func(s *Session)

func WithSink(snk sink.Sink) Option {
	return func(s *Session) {
		s.sink = snk
	}
}

// WithKernel replaces the perf_event system calls.
func WithKernel(k perfevent.Kernel) Option {
	return func(s *Session) {
		s.kernel = k
	}
}

func WithTopology(t target.Topology) Option {
	return func(s *Session) {
		s.topology = t
	}
}

// WithProcFS sets the root of the procfs tree.
func WithProcFS(fsys fs.FS) Option {
	return func(s *Session) {
		s.procfs = fsys
	}
}

func WithCalibrator(c clock.Calibrator) Option {
	return func(s *Session) {
		s.calibrator = c
	}
}

// WithKernelClock replaces the clock perf records are stamped with.
func WithKernelClock(c clock.Clock) Option {
	return func(s *Session) {
		s.kernelClock = c
	}
}

func WithReporter(r *report.Reporter) Option {
	return func(s *Session) {
		s.reporter = r
	}
}

// WithExitProbe replaces the pidfd watcher of the traced process.
func WithExitProbe(open ProbeOpener) Option {
	return func(s *Session) {
		s.openProbe = open
	}
}

type sessionMetrics struct {
	running prometheus.Gauge
	hotplug prometheus.Counter
}

// Session is one monitoring run: it owns the handle registry, the clock
// bridge, the merger and every monitor.
type Session struct {
	conf     *config.Config
	logger   *zap.Logger
	registry *xmetrics.Registry
	runID    uuid.UUID
	metrics  sessionMetrics

	kernel      perfevent.Kernel
	topology    target.Topology
	procfs      fs.FS
	calibrator  clock.Calibrator
	kernelClock clock.Clock
	reporter    *report.Reporter
	openProbe   ProbeOpener
	sink        sink.Sink

	scope       target.Scope
	handles     *perfevent.HandleRegistry
	bridge      *clock.Bridge
	merger      *merger.Merger
	states      *pubsub.PubSub[monitor.StateChange]
	monitorDeps monitor.Deps
	monitorConf monitor.Config
	started     time.Time

	// Owned by Start and then by the hotplug watcher.
	knownCPUs []int

	wg             *errgroup.Group
	shutdownCancel context.CancelCauseFunc
	running        sync.WaitGroup
	done           chan struct{}
	stop           chan struct{}
	stopOnce       sync.Once

	mu       sync.Mutex
	monitors []*monitor.Monitor
	stopping bool
	finished time.Time
	// Totals of monitors that opened no stream.
	dropped  monitor.Stats

	summaryOnce sync.Once
}

// NewSession prepares a run of conf. Nothing is opened until Start.
func NewSession(conf *config.Config, l *zap.Logger, r *xmetrics.Registry, opts ...Option) (*Session, error) {
	conf.FillDefault()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	s := &Session{
		conf:      conf,
		logger:    l.Named("session").With(zap.Stringer("run_id", runID)),
		registry:  r,
		runID:     runID,
		kernel:    perfevent.SystemKernel{},
		topology:  cpulist.Default(),
		procfs:    os.DirFS("/proc"),
		openProbe: monitor.OpenPidfdProbe,
		states:    pubsub.NewPubSub[monitor.StateChange](),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r = r.WithPrefix("session")
	s.metrics = sessionMetrics{
		running: r.Gauge("monitors.running"),
		hotplug: r.Counter("hotplug.added.count"),
	}
	if s.reporter == nil {
		s.reporter = report.NewReporter(l, s.registry)
	}

	s.scope, err = scopeOf(&conf.Scope)
	if err != nil {
		return nil, err
	}

	s.handles = perfevent.NewHandleRegistry(l, s.registry,
		perfevent.WithKernel(s.kernel),
		perfevent.WithRetryBackoff(conf.Acquire.RetryBackoff),
	)
	return s, nil
}

func scopeOf(conf *config.ScopeConfig) (target.Scope, error) {
	scope := target.Scope{Kind: conf.Kind, PID: conf.PID}
	if conf.Kind == target.ScopeCPUs {
		cpus, err := cpulist.Parse(conf.CPUs)
		if err != nil {
			return scope, fmt.Errorf("invalid cpu list %q: %w", conf.CPUs, err)
		}
		scope.CPUs = cpus
	}
	return scope, nil
}

func (s *Session) RunID() uuid.UUID {
	return s.runID
}

// States publishes every monitor state transition.
func (s *Session) States() *pubsub.PubSub[monitor.StateChange] {
	return s.states
}

func (s *Session) Monitors() []*monitor.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*monitor.Monitor(nil), s.monitors...)
}

func (s *Session) handleWorkerError(ctx context.Context, err error, workerName string) error {
	l := s.logger.With(zap.String("worker", workerName))

	if err == nil {
		l.Debug("Worker finished")
		return nil
	}

	if errors.Is(err, context.Canceled) && context.Cause(ctx) == ErrStopped {
		l.Debug("Worker gracefully stopped")
		return nil
	}

	l.Error("Worker failed", zap.Error(err))
	return err
}

// Run starts the session and blocks until every monitor has stopped.
func (s *Session) Run(ctx context.Context) error {
	err := s.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	return s.Wait()
}

// Start opens every target and starts draining. A failure to calibrate the
// clock or to open any target at all is fatal.
func (s *Session) Start(ctx context.Context) error {
	if s.wg != nil {
		return fmt.Errorf("session is already running")
	}
	s.started = time.Now()
	s.logEnvironment()

	if _, ok := s.kernel.(perfevent.SystemKernel); ok {
		raiseMemlock(s.logger)
	}

	attrs, kernelID, err := s.buildAttrs()
	if err != nil {
		return err
	}

	if err := s.calibrate(ctx, kernelID); err != nil {
		return err
	}

	enumerator := target.NewEnumerator(s.topology, procfs.NewProcFS(s.procfs))
	targets, err := enumerator.Enumerate(s.scope)
	if err != nil {
		if errors.Is(err, target.ErrEmptyScope) {
			return fmt.Errorf("%w: %w", ErrNoTargets, err)
		}
		return fmt.Errorf("failed to enumerate targets of %s: %w", s.scope, err)
	}
	s.logger.Info("Enumerated targets", zap.Stringer("scope", s.scope), zap.Int("count", len(targets)))

	if s.sink == nil {
		s.sink, err = sink.New(s.logger, &s.conf.Sink)
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
	}
	s.merger = merger.New(s.logger, s.registry, s.sink, merger.WithWatermark(s.conf.Monitor.MergerWatermark))

	s.monitorDeps = monitor.Deps{
		Logger:        s.logger,
		Registry:      s.handles,
		Clock:         s.bridge,
		Merger:        s.merger,
		Reporter:      s.reporter,
		States:        s.states,
		Metrics:       monitor.NewMetrics(s.registry),
		StreamMetrics: stream.NewMetrics(s.registry),
	}
	s.monitorConf = monitor.Config{
		Attrs:        attrs,
		Pages:        s.ringPages(),
		PollInterval: s.conf.Monitor.PollInterval,
		DrainBatch:   s.conf.Monitor.DrainBatch,
		Slack:        s.conf.Monitor.WatermarkSlack,
	}

	monitors, err := s.openMonitors(ctx, targets)
	if err != nil {
		abort(monitors)
		if cerr := s.merger.Close(context.Background()); cerr != nil {
			s.logger.Warn("Failed to close merger", zap.Error(cerr))
		}
		return err
	}
	s.logger.Info("Opened monitors", zap.Int("count", len(monitors)))

	ctx, s.shutdownCancel = context.WithCancelCause(ctx)
	s.wg, ctx = errgroup.WithContext(ctx)

	s.wg.Go(func() error {
		err := s.merger.Run(ctx)
		return s.handleWorkerError(ctx, err, "merger")
	})

	s.mu.Lock()
	for _, m := range monitors {
		s.runMonitorLocked(ctx, m)
	}
	s.mu.Unlock()

	if s.conf.Hotplug.Enabled && s.scope.Kind != target.ScopeProcess {
		s.running.Add(1)
		s.wg.Go(func() error {
			defer s.running.Done()
			err := s.watchHotplug(ctx)
			return s.handleWorkerError(ctx, err, "hotplug watcher")
		})
	}

	if s.conf.Duration > 0 {
		s.wg.Go(func() error {
			err := s.stopAfter(ctx, s.conf.Duration)
			return s.handleWorkerError(ctx, err, "run timer")
		})
	}

	s.wg.Go(func() error {
		err := s.closeWhenStopped(ctx)
		return s.handleWorkerError(ctx, err, "merger closer")
	})

	return nil
}

// runMonitorLocked starts the drain loop of an opened monitor.
func (s *Session) runMonitorLocked(ctx context.Context, m *monitor.Monitor) {
	s.monitors = append(s.monitors, m)
	s.running.Add(1)
	s.metrics.running.Inc()
	s.wg.Go(func() error {
		defer s.running.Done()
		defer s.metrics.running.Dec()
		err := m.Run(ctx)
		return s.handleWorkerError(ctx, err, m.Name())
	})
}

// closeWhenStopped closes the merger once the last monitor has drained.
// Closing flushes and closes the sink.
func (s *Session) closeWhenStopped(ctx context.Context) error {
	s.running.Wait()
	defer close(s.done)

	s.mu.Lock()
	s.finished = time.Now()
	s.mu.Unlock()

	s.logger.Debug("Every monitor has stopped, closing merger")
	err := s.merger.Close(context.WithoutCancel(ctx))
	s.logSummary()
	if err != nil {
		return fmt.Errorf("failed to close merger: %w", err)
	}
	return nil
}

func (s *Session) stopAfter(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case <-timer.C:
	}

	s.logger.Info("Run duration elapsed", zap.Duration("duration", d))
	return s.stopMonitors(ctx)
}

// stopMonitors requests a graceful stop of every monitor and waits for
// their final drain. No monitor is started afterwards.
func (s *Session) stopMonitors(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	monitors := append([]*monitor.Monitor(nil), s.monitors...)
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })

	var errs []error
	for _, m := range monitors {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop monitor %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop drains every monitor, then cancels the remaining workers and waits for them.
func (s *Session) Stop(ctx context.Context) error {
	if s.wg == nil {
		return fmt.Errorf("session is not running")
	}

	s.logger.Info("Stopping monitors")
	err := s.stopMonitors(ctx)
	if err != nil {
		s.logger.Error("Failed to stop monitors", zap.Error(err))
	}

	s.logger.Info("Cancelling background workers context")
	s.shutdownCancel(ErrStopped)

	s.logger.Info("Waiting for background workers to stop")
	return errors.Join(err, s.Wait())
}

func (s *Session) Wait() error {
	if s.wg == nil {
		return fmt.Errorf("session is not running")
	}
	return s.wg.Wait()
}

// abort releases monitors that were opened but never ran.
func abort(monitors []*monitor.Monitor) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, m := range monitors {
		_ = m.Run(ctx)
	}
}

func raiseMemlock(l *zap.Logger) {
	limit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		l.Warn("Failed to raise RLIMIT_MEMLOCK, ring buffers are limited by perf_event_mlock_kb", zap.Error(err))
		return
	}
	l.Debug("Raised RLIMIT_MEMLOCK")
}

func (s *Session) buildAttrs() (perfevent.Options, clock.ID, error) {
	kernelID, err := clock.ParseID(s.conf.Clock.Kernel)
	if err != nil {
		return perfevent.Options{}, 0, err
	}

	typ, tracepoint, err := perfevent.ParseType(s.conf.PerfEvent.Type)
	if err != nil {
		return perfevent.Options{}, 0, err
	}

	counters, err := s.conf.PerfEvent.CounterTypes()
	if err != nil {
		return perfevent.Options{}, 0, err
	}

	attrs := perfevent.Options{
		Type:          typ,
		SampleRate:    s.conf.PerfEvent.Period,
		Frequency:     s.conf.PerfEvent.Frequency,
		ExcludeKernel: s.conf.PerfEvent.ExcludeKernel,
		PreciseIP:     s.conf.PerfEvent.PreciseIP,
		ClockID:       ptr.T(int32(kernelID)),
		Task:          true,
		Mmap:          true,
		Comm:          true,
		ContextSwitch: s.conf.PerfEvent.ContextSwitches,
		Counters:      counters,
	}

	if tracepoint != "" {
		tracefs, err := perfevent.DefaultTraceFS()
		if err != nil {
			return perfevent.Options{}, 0, err
		}
		attrs.TracepointID, err = perfevent.TracepointID(tracefs, tracepoint)
		if err != nil {
			return perfevent.Options{}, 0, err
		}
	}

	s.unwindPolicy().Apply(&attrs)
	return attrs, kernelID, nil
}

func (s *Session) unwindPolicy() unwind.Policy {
	maxStack := ptr.ValueOr(s.conf.Unwind.MaxStack, 0)
	if maxStack == 0 {
		var err error
		maxStack, err = unwind.ReadMaxStack(s.procfs)
		if err != nil {
			s.logger.Warn("Failed to read callchain depth limit", zap.Error(err))
		}
	}
	return unwind.NewPolicy(ptr.ValueOr(s.conf.Unwind.Mode, unwind.ModeLocal), maxStack)
}

func (s *Session) ringPages() int {
	policy := s.unwindPolicy()
	pageSize := s.handles.PageSize()
	pages := policy.RingPages(pageSize, s.conf.Monitor.RingPages)

	s.logger.Info("Sized ring buffers",
		zap.Stringer("unwind", policy.Mode),
		zap.Int("pages", pages),
		zap.String("size", humanize.IBytes(uint64(pages*pageSize))),
		zap.String("record_size", humanize.IBytes(uint64(policy.RecordSize()))),
	)
	return pages
}

func (s *Session) calibrate(ctx context.Context, kernelID clock.ID) error {
	if s.kernelClock == nil {
		s.kernelClock = kernelID
	}

	referenceID, err := clock.ParseID(s.conf.Clock.Reference)
	if err != nil {
		return err
	}

	calibrator := s.calibrator
	if calibrator == nil {
		switch s.conf.Clock.Calibrator {
		case "breakpoint":
			calibrator = &clock.Breakpoint{Registry: s.handles, Kernel: kernelID, Reference: referenceID}
		default:
			pair := clock.NewClockPair(s.kernelClock, referenceID)
			pair.Rounds = s.conf.Clock.Rounds
			pair.MaxUncertainty = s.conf.Clock.MaxUncertainty
			calibrator = pair
		}
	}

	opts := []clock.BridgeOption{clock.WithTimeout(s.conf.Clock.Timeout)}
	if kernelID == referenceID {
		opts = append(opts, clock.WithSameDomain())
	}
	s.bridge = clock.NewBridge(s.logger, calibrator, s.kernelClock, opts...)

	_, err = s.bridge.Calibrate(ctx)
	return err
}

func (s *Session) logEnvironment() {
	fields := []zap.Field{
		zap.Stringer("scope", s.scope),
		zap.String("event", s.conf.PerfEvent.Type),
		zap.Bool("energy", s.conf.External.Energy),
		zap.Duration("io_interval", s.conf.External.IOInterval),
		zap.String("user", s.conf.External.User),
	}
	if u, err := uname.Load(); err == nil {
		fields = append(fields, zap.String("kernel", u.Release), zap.String("machine", u.Machine))
	} else {
		s.logger.Debug("Failed to read uname", zap.Error(err))
	}
	if model, err := cpuinfo.Model(s.procfs); err == nil {
		fields = append(fields, zap.String("cpu_model", model))
	} else {
		s.logger.Debug("Failed to read cpu model", zap.Error(err))
	}
	s.logger.Info("Starting session", fields...)
}
