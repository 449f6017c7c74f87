package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/merger"
	"github.com/yandex/perftrace/collector/pkg/report"
	"github.com/yandex/perftrace/collector/pkg/stream"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/pkg/graceful"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
	"github.com/yandex/perftrace/pkg/pubsub"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultDrainBatch   = 4096
	DefaultSlack        = time.Millisecond
)

var ErrNoStreams = errors.New("no stream could be opened")

// Clock converts kernel timestamps of the run.
type Clock interface {
	Convert(kernel uint64) int64
	KernelNow() (uint64, error)
}

// Deps are the collaborators shared by every monitor of a run.
type Deps struct {
	Logger        *zap.Logger
	Registry      *perfevent.HandleRegistry
	Clock         Clock
	Merger        *merger.Merger
	Reporter      *report.Reporter
	States        *pubsub.PubSub[StateChange]
	Metrics       *Metrics
	StreamMetrics *stream.Metrics
}

type Config struct {
	// Attributes of every perf event the monitor opens.
	Attrs perfevent.Options
	// Data pages of each ring.
	Pages        int
	PollInterval time.Duration
	// Records taken from one ring per poll.
	DrainBatch int
	// How far behind the kernel clock the watermark of an idle stream trails.
	Slack time.Duration
}

func (c *Config) fillDefault() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
	if c.Slack <= 0 {
		c.Slack = DefaultSlack
	}
}

// variant is what distinguishes the monitor kinds: which failures may be
// skipped, how task records change the target set and when the monitor is done.
type variant interface {
	kind() string
	skippable(class perfevent.ErrorClass) bool
	opened(ctx context.Context, m *Monitor) error
	task(ctx context.Context, m *Monitor, st *streamState, task *record.Task)
	polled(m *Monitor)
	exhausted(m *Monitor) bool
	stopped(m *Monitor)
}

type streamState struct {
	target   target.Target
	reader   *stream.Reader
	source   *merger.Source
	lastTime uint64
	exited   bool
}

// Monitor owns the streams of a set of targets and feeds their records to the merger.
type Monitor struct {
	name    string
	logger  *zap.Logger
	deps    Deps
	conf    Config
	variant variant
	targets []target.Target
	cookie  graceful.ShutdownCookie

	// Owned by the goroutine running Open and Run.
	streams map[target.Key]*streamState
	order   []*streamState
	added   []*streamState

	mu    sync.Mutex
	state State
	stats Stats
}

func newMonitor(deps Deps, conf Config, name string, targets []target.Target, v variant) *Monitor {
	conf.fillDefault()
	if deps.Metrics == nil {
		panic("monitor metrics are not set")
	}
	return &Monitor{
		name:    name,
		logger:  deps.Logger.Named("monitor").With(zap.String("monitor", name), zap.String("kind", v.kind())),
		deps:    deps,
		conf:    conf,
		variant: v,
		targets: targets,
		cookie:  graceful.NewShutdownCookie(),
		streams: make(map[target.Key]*streamState),
		state:   StateCreated,
	}
}

func (m *Monitor) Name() string {
	return m.name
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug("Monitor changed state", zap.Stringer("from", from), zap.Stringer("to", to))
	m.deps.Metrics.transitions.WithLabelValues(to.String()).Inc()
	if m.deps.States != nil {
		m.deps.States.Publish(StateChange{Monitor: m.name, From: from, To: to, Time: time.Now()})
	}
}

// Open opens a stream per target and moves the monitor to RUNNING.
// Streams of targets a variant may skip are reported and left out.
func (m *Monitor) Open(ctx context.Context) (err error) {
	if state := m.State(); state != StateCreated {
		return fmt.Errorf("monitor %s can not be opened in state %s", m.name, state)
	}
	defer func() {
		if err != nil {
			m.closeStreams()
			m.variant.stopped(m)
			m.setState(StateStopped)
			m.cookie.GetSource().Finish()
		}
	}()

	for _, t := range m.targets {
		st, err := m.openStream(ctx, t)
		if err != nil {
			class := perfevent.Classify(err)
			if !m.variant.skippable(class) {
				if len(m.order) == 0 {
					return fmt.Errorf("failed to open stream for %s: %w: %w", t, ErrNoStreams, err)
				}
				return fmt.Errorf("failed to open stream for %s: %w", t, err)
			}
			m.skip(t, class, err)
			continue
		}
		m.attach(st)
	}
	m.flushAdded()

	if len(m.order) == 0 {
		return fmt.Errorf("monitor %s: %w", m.name, ErrNoStreams)
	}

	if err := m.variant.opened(ctx, m); err != nil {
		return err
	}

	for _, st := range m.order {
		if err := st.reader.Enable(); err != nil {
			return fmt.Errorf("failed to enable stream for %s: %w", st.target, err)
		}
	}

	m.logger.Info("Opened monitor", zap.Int("streams", len(m.order)), zap.Int("skipped", m.Stats().Skipped))
	m.setState(StateRunning)
	return nil
}

func (m *Monitor) skip(t target.Target, class perfevent.ErrorClass, err error) {
	m.mu.Lock()
	m.stats.Skipped++
	m.mu.Unlock()

	if class == perfevent.ClassGone {
		m.logger.Debug("Target exited before it was opened", zap.Stringer("target", t))
		return
	}
	if m.deps.Reporter != nil {
		m.deps.Reporter.Degraded(report.ClassOf(class), t.String(), err)
	} else {
		m.logger.Warn("Skipping target", zap.Stringer("target", t), zap.Error(err))
	}
}

func (m *Monitor) openStream(ctx context.Context, t target.Target) (*streamState, error) {
	attrs := m.conf.Attrs
	reader, err := stream.Open(ctx, m.deps.Registry, t.PerfTarget(), &attrs, m.conf.Pages,
		stream.WithLogger(m.logger),
		stream.WithMetrics(m.deps.StreamMetrics),
	)
	if err != nil {
		return nil, err
	}

	source, err := m.deps.Merger.Register(t.Key())
	if err != nil {
		_ = reader.Close()
		return nil, err
	}

	if reader.ReducedFidelity() && m.deps.Reporter != nil {
		m.deps.Reporter.Degraded(report.ClassReducedFidelity, t.String(), errors.New("kernel samples are excluded"))
	}
	return &streamState{target: t, reader: reader, source: source}, nil
}

// attach adds a stream. It becomes part of the drain order after the current poll.
func (m *Monitor) attach(st *streamState) {
	m.streams[st.target.Key()] = st
	m.added = append(m.added, st)
	m.deps.Metrics.streams.Inc()

	m.mu.Lock()
	m.stats.Opened++
	m.mu.Unlock()
}

func (m *Monitor) flushAdded() {
	m.order = append(m.order, m.added...)
	m.added = m.added[:0]
}

// Stop requests a graceful stop and waits until the final drain is done.
func (m *Monitor) Stop(ctx context.Context) error {
	return m.cookie.Stop(ctx)
}

// Stopped is closed once the monitor reached STOPPED.
func (m *Monitor) Stopped() <-chan struct{} {
	return m.cookie.Finished()
}

// Run polls the streams until the monitor is stopped, ctx is cancelled or
// the variant runs out of targets. The final drain happens in every case.
func (m *Monitor) Run(ctx context.Context) error {
	src := m.cookie.GetSource()
	defer src.Finish()

	if state := m.State(); state != StateRunning {
		return fmt.Errorf("monitor %s can not run in state %s", m.name, state)
	}
	defer m.shutdown()

	tick := time.NewTicker(m.conf.PollInterval)
	defer tick.Stop()

	for {
		m.poll(ctx, false)
		if m.variant.exhausted(m) {
			m.logger.Info("Every target of the monitor has exited")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Done():
			m.logger.Debug("Graceful stop has been requested, going to drain streams")
			return nil
		case <-tick.C:
		}
	}
}

func (m *Monitor) shutdown() {
	m.setState(StateStopping)

	for _, st := range m.order {
		if err := st.reader.Disable(); err != nil {
			m.logger.Warn("Failed to disable stream", zap.Stringer("target", st.target), zap.Error(err))
		}
	}

	m.poll(context.Background(), true)
	m.closeStreams()
	m.variant.stopped(m)
	m.deps.Merger.Finish(m.name)
	m.setState(StateStopped)
}

// poll drains every stream once. A congested stream is left alone unless
// this is the final drain.
func (m *Monitor) poll(ctx context.Context, final bool) {
	now, err := m.deps.Clock.KernelNow()
	watermark := err == nil && now > uint64(m.conf.Slack)
	if err != nil {
		m.logger.Debug("Failed to read kernel clock", zap.Error(err))
	}

	for _, st := range m.order {
		if !final && st.source.Congested() {
			m.deps.Metrics.pauses.Inc()
			m.mu.Lock()
			m.stats.Pauses++
			m.mu.Unlock()
			continue
		}

		limit := m.conf.DrainBatch
		if final || st.exited {
			limit = 0
		}
		m.drain(ctx, st, limit)

		if watermark && st.reader.Pending() == 0 {
			st.source.Advance(m.deps.Clock.Convert(now - uint64(m.conf.Slack)))
		}
	}

	m.variant.polled(m)
	m.reap(ctx)
	m.flushAdded()
}

func (m *Monitor) drain(ctx context.Context, st *streamState, limit int) {
	records := st.reader.Drain(limit)
	if len(records) == 0 {
		return
	}

	events := make([]*event.Event, 0, len(records))
	for _, rec := range records {
		ev := event.New(rec, st.target, m.name, st.lastTime, m.deps.Clock.Convert)
		st.lastTime = ev.KernelTime
		events = append(events, ev)

		if task, ok := rec.(*record.Task); ok {
			m.variant.task(ctx, m, st, task)
		}
	}
	st.source.Submit(events...)
}

// reap closes the streams whose target exited, after one final drain.
func (m *Monitor) reap(ctx context.Context) {
	kept := m.order[:0]
	for _, st := range m.order {
		if !st.exited {
			kept = append(kept, st)
			continue
		}
		m.drain(ctx, st, 0)
		m.closeStream(st)
	}
	clear(m.order[len(kept):])
	m.order = kept
}

func (m *Monitor) closeStream(st *streamState) {
	if err := st.reader.Close(); err != nil {
		m.logger.Warn("Failed to close stream", zap.Stringer("target", st.target), zap.Error(err))
	}
	st.source.Close()
	if m.streams[st.target.Key()] == st {
		delete(m.streams, st.target.Key())
	}
	m.deps.Metrics.streams.Dec()

	stats := st.reader.Stats()
	m.mu.Lock()
	m.stats.Records += stats.Records
	m.stats.Bytes += stats.Bytes
	m.stats.Lost += stats.Lost
	m.stats.Resyncs += stats.Resyncs
	m.stats.Throttled += stats.Throttled
	m.mu.Unlock()
}

func (m *Monitor) closeStreams() {
	m.flushAdded()
	for _, st := range m.order {
		m.closeStream(st)
	}
	m.order = nil
}

// exit marks the stream of t as exited.
func (m *Monitor) exit(t target.Target) {
	if st, ok := m.streams[t.Key()]; ok {
		st.exited = true
	}
}

// follow opens a stream for a target found at run time. Nothing new is
// opened once the monitor is stopping.
func (m *Monitor) follow(ctx context.Context, t target.Target) {
	if _, ok := m.streams[t.Key()]; ok {
		return
	}
	if m.State() != StateRunning {
		m.logger.Debug("Not following thread of a stopping monitor", zap.Stringer("target", t))
		return
	}

	st, err := m.openStream(ctx, t)
	if err != nil {
		m.skip(t, perfevent.Classify(err), err)
		return
	}
	if err := st.reader.Enable(); err != nil {
		m.logger.Warn("Failed to enable stream", zap.Stringer("target", t), zap.Error(err))
	}
	m.deps.Metrics.forks.Inc()
	m.logger.Debug("Following new thread", zap.Stringer("target", t))
	m.attach(st)
}
