package clock

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
	"github.com/yandex/perftrace/pkg/ptr"
)

// Breakpoint calibrates against a real perf record: it arms a hardware
// write breakpoint on a variable, writes it between two reference reads and
// takes the timestamp of the resulting sample.
type Breakpoint struct {
	Registry  *perfevent.HandleRegistry
	Kernel    ID
	Reference Clock
}

func (b *Breakpoint) Calibrate(ctx context.Context) (Calibration, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	word := new(uint64)
	defer runtime.KeepAlive(word)

	h, err := b.Registry.Acquire(ctx, perfevent.Target{ThreadID: ptr.T(unix.Gettid())}, &perfevent.Options{
		Type: perfevent.Breakpoint,
		Breakpoint: &perfevent.BreakpointOptions{
			Addr:   uint64(uintptr(unsafe.Pointer(word))),
			Len:    perfevent.BreakpointLength8,
			Access: perfevent.BreakpointWrite,
		},
		SampleRate:    ptr.T(uint64(1)),
		ExcludeKernel: true,
		ClockID:       ptr.T(int32(b.Kernel)),
	})
	if err != nil {
		return Calibration{}, err
	}
	defer h.Close()

	ring, err := h.Map(1)
	if err != nil {
		return Calibration{}, err
	}
	if err := h.Enable(); err != nil {
		return Calibration{}, fmt.Errorf("failed to enable breakpoint: %w", err)
	}

	before, err := b.Reference.Now()
	if err != nil {
		return Calibration{}, err
	}
	atomic.StoreUint64(word, 1)
	after, err := b.Reference.Now()
	if err != nil {
		return Calibration{}, err
	}

	kernel, err := firstSampleTime(ring, h.Layout())
	if err != nil {
		return Calibration{}, err
	}

	return Calibration{
		Mapping:     Mapping{Offset: before + (after-before)/2 - int64(kernel)},
		Uncertainty: time.Duration(after - before),
	}, nil
}

func firstSampleTime(ring *perfevent.Ring, layout record.Layout) (uint64, error) {
	decoder, err := record.NewDecoder(layout)
	if err != nil {
		return 0, err
	}

	head, tail := ring.Head(), ring.Tail()
	buf := make([]byte, head-tail)
	ring.Read(buf, tail)
	ring.SetTail(head)

	records, _, err := decoder.DecodeAll(buf)
	if err != nil {
		return 0, fmt.Errorf("failed to decode breakpoint ring: %w", err)
	}
	for _, rec := range records {
		if sample, ok := rec.(*record.Sample); ok {
			return sample.Time, nil
		}
	}
	return 0, fmt.Errorf("breakpoint did not fire")
}
