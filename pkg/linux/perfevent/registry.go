package perfevent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/internal/xmetrics"
)

const defaultRetryBackoff = 10 * time.Millisecond

type slot struct {
	gen    uint32
	handle *Handle
}

// HandleRegistry opens perf events and owns the arena every Handle lives in.
type HandleRegistry struct {
	mu     sync.Mutex
	logger *zap.Logger
	kernel Kernel
	slots  []slot
	free   []uint32
	open   int

	retryBackoff time.Duration

	handleCount   *prometheus.GaugeVec
	acquireErrors *prometheus.CounterVec
}

type RegistryOption func(r *HandleRegistry)

func WithKernel(k Kernel) RegistryOption {
	return func(r *HandleRegistry) {
		r.kernel = k
	}
}

func WithRetryBackoff(d time.Duration) RegistryOption {
	return func(r *HandleRegistry) {
		r.retryBackoff = d
	}
}

func NewHandleRegistry(l *zap.Logger, r *xmetrics.Registry, opts ...RegistryOption) *HandleRegistry {
	l = l.Named("perfevent")
	r = r.WithPrefix("perfevent")

	reg := &HandleRegistry{
		logger:       l,
		kernel:       SystemKernel{},
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(reg)
	}

	reg.handleCount = r.GaugeVec("handles.open", []string{"type"})
	reg.acquireErrors = r.CounterVec("acquire.errors", []string{"class"})

	return reg
}

func (r *HandleRegistry) PageSize() int {
	return r.kernel.PageSize()
}

// Acquire opens a perf event for target.
//
// Scarcity failures are retried once after the backoff. Permission failures
// are retried once with kernel samples excluded, and a handle obtained that
// way reports ReducedFidelity. Unsupported precise_ip levels are lowered
// until the kernel accepts the event. Remaining failures are returned as
// *AcquireError.
func (r *HandleRegistry) Acquire(ctx context.Context, target Target, options *Options) (*Handle, error) {
	l := r.logger.With(zap.Stringer("target", target), zap.String("type", string(options.Type)))

	opts := *options
	fd, err := r.openWithPreciseFallback(target, &opts)

	if err != nil && Classify(err) == ClassScarcity {
		l.Debug("Perf event resources are exhausted, retrying", zap.Error(err), zap.Duration("backoff", r.retryBackoff))
		if waitErr := sleep(ctx, r.retryBackoff); waitErr != nil {
			return nil, waitErr
		}
		fd, err = r.openWithPreciseFallback(target, &opts)
	}

	reduced := false
	if err != nil && Classify(err) == ClassPermission && !opts.ExcludeKernel {
		l.Debug("Permission denied, retrying without kernel samples", zap.Error(err))
		retry := opts
		retry.ExcludeKernel = true
		fd, err = r.openWithPreciseFallback(target, &retry)
		if err == nil {
			opts = retry
			reduced = true
		}
	}

	if err != nil {
		class := Classify(err)
		r.acquireErrors.WithLabelValues(class.String()).Inc()
		return nil, &AcquireError{Class: class, Target: target, Err: err}
	}

	id, err := r.kernel.EventID(fd)
	if err != nil {
		_ = r.kernel.Close(fd)
		return nil, &AcquireError{Class: ClassOther, Target: target, Err: fmt.Errorf("failed to get perf event id: %w", err)}
	}

	members, err := r.openCounters(l, target, fd, &opts)
	if err != nil {
		_ = r.kernel.Close(fd)
		class := Classify(err)
		r.acquireErrors.WithLabelValues(class.String()).Inc()
		return nil, &AcquireError{Class: class, Target: target, Err: err}
	}

	h := &Handle{
		registry: r,
		fd:       fd,
		id:       id,
		target:   target,
		options:  opts,
		reduced:  reduced,
		members:  members,
	}
	r.register(h)

	l.Debug("Opened perf event", zap.Int("fd", fd), zap.Uint64("id", id), zap.Bool("reduced_fidelity", reduced))
	return h, nil
}

// openCounters opens the group members of the leader on fd. Counters the
// hardware does not have are left out; any other failure closes the
// members opened so far.
func (r *HandleRegistry) openCounters(l *zap.Logger, target Target, leader int, opts *Options) ([]member, error) {
	if len(opts.Counters) == 0 {
		return nil, nil
	}

	pid, cpu, err := target.pidCPU()
	if err != nil {
		return nil, err
	}

	members := make([]member, 0, len(opts.Counters))
	fail := func(err error) ([]member, error) {
		for _, m := range members {
			_ = r.kernel.Close(m.fd)
		}
		return nil, err
	}

	for _, typ := range opts.Counters {
		attr, err := makeCounterAttr(typ, opts)
		if err != nil {
			return fail(fmt.Errorf("failed to prepare %s counter attributes: %w", typ, err))
		}

		fd, err := r.kernel.PerfEventOpen(attr, pid, cpu, leader, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			if Classify(err) == ClassUnsupported {
				l.Warn("Counter is not supported, leaving it out of the group", zap.String("counter", string(typ)), zap.Error(err))
				continue
			}
			return fail(fmt.Errorf("syscall perf_event_open(pid=%d, cpu=%d, counter=%s, group_fd=%d) failed: %w", pid, cpu, typ, leader, err))
		}

		id, err := r.kernel.EventID(fd)
		if err != nil {
			_ = r.kernel.Close(fd)
			return fail(fmt.Errorf("failed to get %s counter id: %w", typ, err))
		}
		members = append(members, member{Counter: Counter{Type: typ, ID: id}, fd: fd})
	}
	return members, nil
}

func (r *HandleRegistry) openWithPreciseFallback(target Target, opts *Options) (int, error) {
	for {
		fd, err := r.openOnce(target, opts)
		if err == nil || opts.PreciseIP == 0 || Classify(err) != ClassUnsupported {
			return fd, err
		}
		opts.PreciseIP--
		r.logger.Debug("Lowering precise_ip", zap.Stringer("target", target), zap.Uint8("precise_ip", opts.PreciseIP))
	}
}

func (r *HandleRegistry) openOnce(target Target, opts *Options) (int, error) {
	attr, err := makePerfEventAttr(opts)
	if err != nil {
		return -1, fmt.Errorf("failed to prepare perf event attributes: %w", err)
	}

	pid, cpu, err := target.pidCPU()
	if err != nil {
		return -1, err
	}

	flags := unix.PERF_FLAG_FD_CLOEXEC
	fd, err := r.kernel.PerfEventOpen(attr, pid, cpu, -1 /*groupFd*/, flags)
	if err != nil {
		return -1, fmt.Errorf("syscall perf_event_open(pid=%d, cpu=%d, type=%d, config=%d) failed: %w", pid, cpu, attr.Type, attr.Config, err)
	}
	return fd, nil
}

func (r *HandleRegistry) register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	h.slot = idx
	h.gen = r.slots[idx].gen
	r.slots[idx].handle = h
	r.open++
	r.handleCount.WithLabelValues(string(h.options.Type)).Inc()
}

// Observe returns a non-owning reference to h.
func (r *HandleRegistry) Observe(h *Handle) HandleRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.liveLocked(h.slot, h.gen) || r.slots[h.slot].handle != h {
		// Observing a released handle yields a ref that never matches.
		return HandleRef{registry: r, slot: h.slot, gen: h.gen - 1}
	}
	return HandleRef{registry: r, slot: h.slot, gen: h.gen}
}

// Lookup resolves an observer back to its live handle.
func (r *HandleRegistry) Lookup(ref HandleRef) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref.registry != r || !r.liveLocked(ref.slot, ref.gen) {
		return nil, false
	}
	return r.slots[ref.slot].handle, true
}

// Release unmaps and closes h and invalidates its observers.
// Releasing an already released handle is a no-op.
func (r *HandleRegistry) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.liveLocked(h.slot, h.gen) || r.slots[h.slot].handle != h {
		return nil
	}

	_, err := h.release()

	r.slots[h.slot].gen++
	r.slots[h.slot].handle = nil
	r.free = append(r.free, h.slot)
	r.open--
	r.handleCount.WithLabelValues(string(h.options.Type)).Dec()

	return err
}

// Outstanding returns the number of live handles.
func (r *HandleRegistry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// CloseAll releases every live handle.
func (r *HandleRegistry) CloseAll() error {
	r.mu.Lock()
	handles := make([]*Handle, 0, r.open)
	for _, s := range r.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
	}
	r.mu.Unlock()

	errs := make([]error, 0, len(handles))
	for _, h := range handles {
		errs = append(errs, r.Release(h))
	}
	return errors.Join(errs...)
}

func (r *HandleRegistry) live(idx, gen uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(idx, gen)
}

func (r *HandleRegistry) liveLocked(idx, gen uint32) bool {
	return int(idx) < len(r.slots) && r.slots[idx].gen == gen && r.slots[idx].handle != nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
