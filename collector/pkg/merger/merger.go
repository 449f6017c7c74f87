package merger

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/internal/xmetrics"
)

const (
	DefaultWatermark = 4096
	emitBatch        = 1024
)

var ErrClosed = errors.New("merger is closed")

type metrics struct {
	buffered prometheus.Gauge
	emitted  prometheus.Counter
	late     prometheus.Counter
	gaps     prometheus.Counter
}

// Merger orders the events of many locally ordered sources into one stream.
type Merger struct {
	logger    *zap.Logger
	sink      sink.Sink
	watermark int
	metrics   metrics

	mu       sync.Mutex
	cond     *sync.Cond
	heap     eventHeap
	sources  map[*Source]struct{}
	open     int
	high     int64
	emitting bool
	closing  bool
	abandon  bool
	finished []string
	lates    uint64
	emitted  uint64

	closeOnce sync.Once
	closeErr  error
}

type Option func(m *Merger)

// WithWatermark sets the number of events a source may buffer before it is congested.
func WithWatermark(n int) Option {
	return func(m *Merger) {
		m.watermark = n
	}
}

func New(l *zap.Logger, r *xmetrics.Registry, s sink.Sink, opts ...Option) *Merger {
	r = r.WithPrefix("merger")
	m := &Merger{
		logger:    l.Named("merger"),
		sink:      s,
		watermark: DefaultWatermark,
		sources:   make(map[*Source]struct{}),
		high:      math.MinInt64,
		metrics: metrics{
			buffered: r.Gauge("buffered"),
			emitted:  r.Counter("emitted.count"),
			late:     r.Counter("late.count"),
			gaps:     r.Counter("gap.count"),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Source is the input of one stream. A source must be used from one goroutine.
type Source struct {
	m        *Merger
	id       target.Key
	seq      uint64
	low      int64
	buffered int
	closed   bool
}

// Register adds an input. Events of sources with a smaller id come first
// among events with equal timestamps.
func (m *Merger) Register(id target.Key) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, ErrClosed
	}

	src := &Source{m: m, id: id, low: math.MinInt64}
	m.sources[src] = struct{}{}
	m.open++
	return src, nil
}

// Submit queues events. It never blocks; see Congested.
func (s *Source) Submit(events ...*event.Event) {
	if len(events) == 0 {
		return
	}

	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		m.logger.Warn("Dropping events submitted to a closed source", zap.Uint64("source", uint64(s.id)), zap.Int("count", len(events)))
		return
	}

	for _, ev := range events {
		heap.Push(&m.heap, &item{ev: ev, src: s, seq: s.seq})
		s.seq++
		s.buffered++
		s.low = max(s.low, ev.Time)
	}
	m.metrics.buffered.Set(float64(len(m.heap)))
	m.cond.Broadcast()
}

// Advance promises that every later event of the source is at or after ts.
func (s *Source) Advance(ts int64) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts > s.low {
		s.low = ts
		m.cond.Broadcast()
	}
}

// Congested reports that the source buffers more events than the watermark.
// The producer should stop reading new data until it clears.
func (s *Source) Congested() bool {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.buffered >= m.watermark
}

// Close marks the end of the source. Its buffered events are still emitted.
func (s *Source) Close() {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	m.open--
	if s.buffered == 0 {
		delete(m.sources, s)
	}
	m.cond.Broadcast()
}

// Finish records the final flush marker of a monitor.
func (m *Merger) Finish(monitor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, monitor)
	m.cond.Broadcast()
}

// Finished returns the monitors that delivered their flush marker, in order.
func (m *Merger) Finished() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.finished...)
}

func (m *Merger) Late() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lates
}

func (m *Merger) Emitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitted
}

// Run writes events to the sink as soon as their order is settled. It returns
// once Close was requested and everything is emitted, with ctx's error when
// cancelled, or with the first sink error.
func (m *Merger) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return fmt.Errorf("merger is already running")
	}
	m.emitting = true
	defer func() {
		m.mu.Lock()
		m.emitting = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	for {
		var batch []*item
		for {
			if err := ctx.Err(); err != nil {
				m.mu.Unlock()
				return err
			}
			if m.abandon {
				// Close took over the remaining events.
				m.mu.Unlock()
				return nil
			}
			batch = m.popReadyLocked(false)
			if len(batch) > 0 {
				break
			}
			if m.closing && len(m.heap) == 0 && m.open == 0 {
				m.mu.Unlock()
				return nil
			}
			m.cond.Wait()
		}
		m.mu.Unlock()

		if err := m.write(ctx, batch); err != nil {
			return err
		}

		m.mu.Lock()
		// Producers may wait for congestion to clear.
		m.cond.Broadcast()
	}
}

// popReadyLocked removes the events that no open source can precede any more.
func (m *Merger) popReadyLocked(force bool) []*item {
	if len(m.heap) == 0 {
		return nil
	}

	var limit bound
	if !force {
		for src := range m.sources {
			if !src.closed && src.buffered == 0 {
				limit.tighten(src)
			}
		}
	}

	var batch []*item
	for len(m.heap) > 0 && len(batch) < emitBatch {
		top := m.heap[0]
		if !limit.admits(top) {
			break
		}
		heap.Pop(&m.heap)
		batch = append(batch, top)

		src := top.src
		src.buffered--
		if src.buffered == 0 {
			if src.closed {
				delete(m.sources, src)
			} else if !force {
				limit.tighten(src)
			}
		}

		if top.ev.Time < m.high {
			top.ev.Time = m.high
			top.ev.Late = true
			m.lates++
			m.metrics.late.Inc()
		}
		m.high = top.ev.Time
	}

	m.emitted += uint64(len(batch))
	m.metrics.buffered.Set(float64(len(m.heap)))
	return batch
}

func (m *Merger) write(ctx context.Context, batch []*item) error {
	for _, it := range batch {
		var err error
		if it.ev.Kind == event.KindLost {
			m.metrics.gaps.Inc()
			err = m.sink.Gap(ctx, event.GapOf(it.ev))
		} else {
			err = m.sink.Write(ctx, it.ev)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s event to sink: %w", it.ev.Kind, err)
		}
		m.metrics.emitted.Inc()
	}
	return nil
}

// Close waits until every source is closed, emits what is left, then
// flushes and closes the sink. If ctx expires first, open sources are
// abandoned and their buffered events are still written in order.
// Repeated calls return the first result.
func (m *Merger) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.close(ctx)
	})
	return m.closeErr
}

func (m *Merger) close(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	m.closing = true
	m.cond.Broadcast()

	for (m.open > 0 || m.emitting) && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.open > 0 || m.emitting {
		m.logger.Warn("Closing merger with open sources", zap.Int("open", m.open))
		m.abandon = true
		m.cond.Broadcast()
		for m.emitting {
			m.cond.Wait()
		}
	}

	var errs []error
	for {
		batch := m.popReadyLocked(true)
		if len(batch) == 0 {
			break
		}
		m.mu.Unlock()
		errs = append(errs, m.write(context.WithoutCancel(ctx), batch))
		m.mu.Lock()
	}
	m.mu.Unlock()

	errs = append(errs, m.sink.Flush(context.WithoutCancel(ctx)))
	errs = append(errs, m.sink.Close())
	return errors.Join(errs...)
}
