package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yandex/perftrace/collector/pkg/event"
)

var (
	_ Sink = (*Dummy)(nil)
	_ Sink = (*InMemory)(nil)
)

////////////////////////////////////////////////////////////////////////////////

// Dummy counts and discards events.
type Dummy struct {
	events atomic.Uint64
	gaps   atomic.Uint64
	lost   atomic.Uint64
}

func NewDummy() *Dummy {
	return &Dummy{}
}

func (d *Dummy) Write(ctx context.Context, ev *event.Event) error {
	d.events.Add(1)
	return nil
}

func (d *Dummy) Gap(ctx context.Context, gap event.Gap) error {
	d.gaps.Add(1)
	d.lost.Add(gap.Lost)
	return nil
}

func (d *Dummy) Flush(ctx context.Context) error {
	return nil
}

func (d *Dummy) Close() error {
	return nil
}

func (d *Dummy) Events() uint64 {
	return d.events.Load()
}

func (d *Dummy) Lost() uint64 {
	return d.lost.Load()
}

////////////////////////////////////////////////////////////////////////////////

// InMemory keeps everything it receives. Used by tests.
type InMemory struct {
	mu      sync.Mutex
	events  []*event.Event
	gaps    []event.Gap
	flushes int
	closes  int
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Write(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *InMemory) Gap(ctx context.Context, gap event.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, gap)
	return nil
}

func (s *InMemory) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *InMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *InMemory) Events() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.events...)
}

// EventsOf returns the received events of one kind.
func (s *InMemory) EventsOf(kind event.Kind) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*event.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			res = append(res, ev)
		}
	}
	return res
}

func (s *InMemory) Gaps() []event.Gap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Gap(nil), s.gaps...)
}

func (s *InMemory) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *InMemory) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
