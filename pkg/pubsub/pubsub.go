package pubsub

import (
	"sync"
	"sync/atomic"
)

// PubSub fans values out to buffered subscriber channels. It is thread safe.
// Publish never blocks: a subscriber whose buffer is full misses the value.
type PubSub[T any] struct {
	mutex sync.Mutex

	subscribers map[uint64]chan T
	lastID      uint64
	closed      bool

	dropped atomic.Uint64
}

func NewPubSub[T any]() *PubSub[T] {
	return &PubSub[T]{
		subscribers: make(map[uint64]chan T),
	}
}

func (p *PubSub[T]) Publish(val T) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- val:
		default:
			p.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries skipped because of full buffers.
func (p *PubSub[T]) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *PubSub[T]) Subscribe(capacity uint32) *Subscription[T] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ch := make(chan T, capacity)
	if p.closed {
		close(ch)
		return &Subscription[T]{ch: ch, pubSub: p}
	}

	id := p.lastID
	p.lastID++
	p.subscribers[id] = ch

	return &Subscription[T]{ch: ch, id: id, pubSub: p}
}

// CloseAll closes every subscription. Later subscriptions are born closed.
func (p *PubSub[T]) CloseAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id := range p.subscribers {
		p.unsubscribe(id)
	}
	p.closed = true
}

func (p *PubSub[T]) unsubscribe(id uint64) {
	ch, ok := p.subscribers[id]
	if !ok {
		return
	}
	close(ch)
	delete(p.subscribers, id)
}

////////////////////////////////////////////////////////////////////////////////

type Subscription[T any] struct {
	ch     chan T
	id     uint64
	pubSub *PubSub[T]
}

func (s *Subscription[T]) Chan() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Close() {
	s.pubSub.mutex.Lock()
	defer s.pubSub.mutex.Unlock()
	s.pubSub.unsubscribe(s.id)
}
