package merger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []*event.Event
	gaps    []event.Gap
	flushes int
	closes  int
}

func (s *recordingSink) Write(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Gap(ctx context.Context, gap event.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, gap)
	return nil
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type emitted struct {
	Time   int64
	Source target.Key
	Index  uint64
}

func (s *recordingSink) trace() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]emitted, len(s.events))
	for i, ev := range s.events {
		res[i] = emitted{Time: ev.Time, Source: ev.Target.Key(), Index: ev.KernelTime}
	}
	return res
}

func sampleAt(cpu int, ts int64, index uint64) *event.Event {
	return &event.Event{Kind: event.KindSample, Time: ts, KernelTime: index, Target: target.CPU(cpu)}
}

func newMerger(t *testing.T, s *recordingSink, opts ...Option) (*Merger, *xmetrics.Registry) {
	r := xmetrics.NewRegistry()
	return New(zaptest.NewLogger(t), r, s, opts...), r
}

func runMerger(t *testing.T, m *Merger) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background())
	}()
	return done
}

func register(t *testing.T, m *Merger, cpu int) *Source {
	src, err := m.Register(target.CPU(cpu).Key())
	require.NoError(t, err)
	return src
}

func TestOrderAcrossSources(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)
	done := runMerger(t, m)

	a, b, c := register(t, m, 0), register(t, m, 1), register(t, m, 2)
	a.Submit(sampleAt(0, 10, 0), sampleAt(0, 30, 1), sampleAt(0, 30, 2))
	c.Submit(sampleAt(2, 5, 0), sampleAt(2, 30, 1))
	b.Submit(sampleAt(1, 20, 0), sampleAt(1, 30, 1))
	a.Close()
	b.Close()
	c.Close()

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, <-done)

	require.Equal(t, []emitted{
		{5, target.CPU(2).Key(), 0},
		{10, target.CPU(0).Key(), 0},
		{20, target.CPU(1).Key(), 0},
		{30, target.CPU(0).Key(), 1},
		{30, target.CPU(0).Key(), 2},
		{30, target.CPU(1).Key(), 1},
		{30, target.CPU(2).Key(), 1},
	}, s.trace())
	require.Equal(t, 1, s.flushes)
	require.Equal(t, 1, s.closes)
	require.EqualValues(t, 7, m.Emitted())
}

func TestWaitsForSilentSource(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)
	done := runMerger(t, m)

	a, b := register(t, m, 0), register(t, m, 1)
	a.Submit(sampleAt(0, 10, 0))

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, s.count(), "an event can not pass a source without a watermark")

	b.Advance(5)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, s.count())

	b.Advance(10)
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, time.Millisecond)

	a.Close()
	b.Close()
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, <-done)
}

func TestEqualTimestampWaitsForSmallerSource(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)
	done := runMerger(t, m)

	a, b := register(t, m, 0), register(t, m, 1)
	a.Submit(sampleAt(0, 5, 0))
	b.Submit(sampleAt(1, 5, 0))
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.count(), "cpu 0 may still submit at the same timestamp")

	a.Submit(sampleAt(0, 5, 1))
	a.Close()
	b.Close()
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, <-done)

	require.Equal(t, []emitted{
		{5, target.CPU(0).Key(), 0},
		{5, target.CPU(0).Key(), 1},
		{5, target.CPU(1).Key(), 0},
	}, s.trace())
	require.Zero(t, m.Late())
}

func TestRandomInterleavingsAreDeterministic(t *testing.T) {
	const (
		sources = 6
		events  = 300
	)

	// Per-source timelines with plenty of cross-source ties.
	gen := rand.New(rand.NewSource(42))
	timelines := make([][]int64, sources)
	for i := range timelines {
		ts := int64(0)
		for j := 0; j < events; j++ {
			ts += int64(gen.Intn(3))
			timelines[i] = append(timelines[i], ts)
		}
	}

	run := func(seed int64) []emitted {
		s := &recordingSink{}
		m, _ := newMerger(t, s, WithWatermark(16))
		done := runMerger(t, m)

		srcs := make([]*Source, sources)
		for i := range srcs {
			srcs[i] = register(t, m, i)
		}

		var wg sync.WaitGroup
		for i := 0; i < sources; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				gen := rand.New(rand.NewSource(seed + int64(i)))
				src := srcs[i]
				timeline := timelines[i]
				for j := 0; j < len(timeline); {
					n := min(1+gen.Intn(8), len(timeline)-j)
					batch := make([]*event.Event, 0, n)
					for k := 0; k < n; k++ {
						batch = append(batch, sampleAt(i, timeline[j+k], uint64(j+k)))
					}
					for src.Congested() {
						time.Sleep(time.Microsecond)
					}
					src.Submit(batch...)
					j += n
					if j < len(timeline) && gen.Intn(2) == 0 {
						src.Advance(timeline[j])
					}
					if gen.Intn(4) == 0 {
						time.Sleep(time.Duration(gen.Intn(50)) * time.Microsecond)
					}
				}
				src.Close()
			}(i)
		}
		wg.Wait()

		require.NoError(t, m.Close(context.Background()))
		require.NoError(t, <-done)
		require.Zero(t, m.Late())
		return s.trace()
	}

	first := run(1)
	require.Len(t, first, sources*events)
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		require.LessOrEqual(t, prev.Time, cur.Time)
		if prev.Time == cur.Time {
			require.True(t, prev.Source < cur.Source || (prev.Source == cur.Source && prev.Index < cur.Index))
		}
	}

	for seed := int64(2); seed < 6; seed++ {
		require.Equal(t, first, run(seed*100))
	}
}

func TestBackpressure(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s, WithWatermark(4))

	a, b := register(t, m, 0), register(t, m, 1)
	for i := 0; i < 6; i++ {
		a.Submit(sampleAt(0, int64(i), uint64(i)))
	}
	require.True(t, a.Congested())
	require.False(t, b.Congested())

	done := runMerger(t, m)
	time.Sleep(10 * time.Millisecond)
	require.True(t, a.Congested(), "nothing may be emitted while the other source is silent")

	b.Advance(100)
	require.Eventually(t, func() bool { return !a.Congested() }, time.Second, time.Millisecond)
	require.Equal(t, 6, s.count())

	a.Close()
	b.Close()
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, <-done)
}

func TestLateEventIsClamped(t *testing.T) {
	s := &recordingSink{}
	m, metrics := newMerger(t, s)
	done := runMerger(t, m)

	a, b := register(t, m, 0), register(t, m, 1)
	a.Submit(sampleAt(0, 100, 100))
	b.Advance(200)
	a.Advance(1000)
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, time.Millisecond)

	a.Submit(sampleAt(0, 300, 300))
	a.Advance(1000)
	b.Advance(400)
	require.Eventually(t, func() bool { return s.count() == 2 }, time.Second, time.Millisecond)

	b.Submit(sampleAt(1, 150, 150))
	a.Close()
	b.Close()
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, <-done)

	require.Len(t, s.events, 3)
	late := s.events[2]
	require.True(t, late.Late)
	require.Equal(t, int64(300), late.Time)
	require.Equal(t, uint64(150), late.KernelTime)
	require.EqualValues(t, 1, m.Late())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.WithPrefix("merger").Counter("late.count")))
}

func TestGapsGoToSink(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)

	src := register(t, m, 3)
	src.Submit(
		sampleAt(3, 1, 0),
		&event.Event{
			Kind:    event.KindLost,
			Time:    2,
			Target:  target.CPU(3),
			Monitor: "cpu-3",
			Record:  &record.Lost{Header: record.Header{Type: record.TypeLost}, Lost: 12},
		},
		sampleAt(3, 3, 1),
	)
	src.Close()
	require.NoError(t, m.Close(context.Background()))

	require.Equal(t, 2, s.count())
	require.Equal(t, []event.Gap{{Time: 2, Target: target.CPU(3), Monitor: "cpu-3", Lost: 12}}, s.gaps)
}

func TestCloseIsOnce(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)

	src := register(t, m, 0)
	m.Finish("cpu-0")
	src.Close()

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	require.Equal(t, 1, s.flushes)
	require.Equal(t, 1, s.closes)
	require.Equal(t, []string{"cpu-0"}, m.Finished())

	_, err := m.Register(target.CPU(1).Key())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseAbandonsOpenSources(t *testing.T) {
	s := &recordingSink{}
	m, _ := newMerger(t, s)
	done := runMerger(t, m)

	a, b := register(t, m, 0), register(t, m, 1)
	a.Submit(sampleAt(0, 2, 0), sampleAt(0, 1, 1))
	b.Submit(sampleAt(1, 1, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	require.NoError(t, <-done)

	require.Equal(t, 3, s.count())
	require.Equal(t, 1, s.flushes)
}
