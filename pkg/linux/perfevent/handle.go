package perfevent

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

// Handle owns one perf event descriptor and its ring mapping.
// Exactly one component owns a Handle; others keep a HandleRef.
type Handle struct {
	registry *HandleRegistry
	slot     uint32
	gen      uint32

	fd      int
	id      uint64
	target  Target
	options Options
	reduced bool
	// Group members, opened after the leader and closed before it.
	members []member

	mu       sync.Mutex
	mapping  []byte
	ring     *Ring
	released bool
}

func (h *Handle) FD() int {
	return h.fd
}

// ID returns the system-wide unique id of the perf event.
func (h *Handle) ID() uint64 {
	return h.id
}

func (h *Handle) Target() Target {
	return h.target
}

func (h *Handle) Options() Options {
	return h.options
}

func (h *Handle) Layout() record.Layout {
	return h.options.Layout()
}

// Counters returns the group members that could be opened, in group order.
// Counter values of samples follow the same order after the leader.
func (h *Handle) Counters() []Counter {
	counters := make([]Counter, len(h.members))
	for i, m := range h.members {
		counters[i] = m.Counter
	}
	return counters
}

// ReducedFidelity reports that kernel samples were excluded to get past a permission check.
func (h *Handle) ReducedFidelity() bool {
	return h.reduced
}

func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *Handle) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	return h.registry.kernel.Enable(h.fd)
}

func (h *Handle) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	return h.registry.kernel.Disable(h.fd)
}

// Map maps the ring buffer of the event: one metadata page followed by
// pages data pages. pages must be a power of two.
func (h *Handle) Map(pages int) (*Ring, error) {
	if pages <= 0 || pages&(pages-1) != 0 {
		return nil, fmt.Errorf("ring buffer size must be a power of two pages, got %d", pages)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if h.ring != nil {
		return h.ring, nil
	}

	pageSize := h.registry.kernel.PageSize()
	mem, err := h.registry.kernel.Mmap(h.fd, (pages+1)*pageSize)
	if err != nil {
		class := ClassScarcity
		if errors.Is(err, unix.EINVAL) {
			class = ClassUnsupported
		}
		return nil, &AcquireError{Class: class, Target: h.target, Err: fmt.Errorf("failed to mmap %d pages: %w", pages, err)}
	}

	ring, err := NewRing(mem, pageSize)
	if err != nil {
		_ = h.registry.kernel.Munmap(mem)
		return nil, err
	}

	h.mapping = mem
	h.ring = ring
	return ring, nil
}

func (h *Handle) Ring() *Ring {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring
}

// Close releases the handle. Closing a released handle is a no-op.
func (h *Handle) Close() error {
	return h.registry.Release(h)
}

func (h *Handle) Ref() HandleRef {
	return h.registry.Observe(h)
}

// Is reports whether ref observes this handle.
func (h *Handle) Is(ref HandleRef) bool {
	return ref.Is(h)
}

// release tears down the mapping and the descriptor. Called by the registry
// with the registry lock held.
func (h *Handle) release() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return false, nil
	}
	h.released = true

	var unmapErr error
	if h.mapping != nil {
		unmapErr = h.registry.kernel.Munmap(h.mapping)
		h.mapping = nil
		h.ring = nil
	}
	var memberErrs []error
	for _, m := range h.members {
		if err := h.registry.kernel.Close(m.fd); err != nil {
			memberErrs = append(memberErrs, fmt.Errorf("failed to close %s counter of %s: %w", m.Type, h.target, err))
		}
	}
	closeErr := h.registry.kernel.Close(h.fd)

	if unmapErr != nil {
		return true, fmt.Errorf("failed to unmap ring of %s: %w", h.target, unmapErr)
	}
	if closeErr != nil {
		return true, fmt.Errorf("failed to close perf event of %s: %w", h.target, closeErr)
	}
	return true, errors.Join(memberErrs...)
}

type member struct {
	Counter
	fd int
}

////////////////////////////////////////////////////////////////////////////////

// HandleRef observes a Handle without owning it. A ref stops matching
// anything once the observed handle is released, even if the kernel
// hands the same descriptor number out again.
type HandleRef struct {
	registry *HandleRegistry
	slot     uint32
	gen      uint32
}

// Valid reports whether the observed handle is still live.
func (r HandleRef) Valid() bool {
	return r.registry != nil && r.registry.live(r.slot, r.gen)
}

func (r HandleRef) Is(h *Handle) bool {
	if h == nil || r.registry == nil || r.registry != h.registry {
		return false
	}
	return r.slot == h.slot && r.gen == h.gen && r.Valid()
}

// Equal compares two observers. Observers of a released handle are never equal.
func (r HandleRef) Equal(other HandleRef) bool {
	return r.registry == other.registry && r.slot == other.slot && r.gen == other.gen && r.Valid()
}
