package merger

import (
	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/collector/pkg/target"
)

type item struct {
	ev  *event.Event
	src *Source
	seq uint64
}

func (i *item) less(j *item) bool {
	if i.ev.Time != j.ev.Time {
		return i.ev.Time < j.ev.Time
	}
	if i.src.id != j.src.id {
		return i.src.id < j.src.id
	}
	return i.seq < j.seq
}

// bound is the smallest (time, source id) an idle source may still submit.
// An idle source at time T can still precede events at T of sources with a larger id.
type bound struct {
	set  bool
	time int64
	id   target.Key
}

func (b *bound) tighten(s *Source) {
	if !b.set || s.low < b.time || (s.low == b.time && s.id < b.id) {
		b.set = true
		b.time = s.low
		b.id = s.id
	}
}

func (b *bound) admits(it *item) bool {
	if !b.set {
		return true
	}
	if it.ev.Time != b.time {
		return it.ev.Time < b.time
	}
	return it.src.id < b.id
}

// eventHeap implements container/heap ordered by (time, source id, arrival).
type eventHeap []*item

func (h eventHeap) Len() int {
	return len(h)
}

func (h eventHeap) Less(i, j int) bool {
	return h[i].less(h[j])
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
