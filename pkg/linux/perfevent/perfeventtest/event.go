package perfeventtest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

// Event is one synthetic perf event. Its Write methods play the kernel side
// of the ring buffer protocol.
type Event struct {
	kernel *Kernel
	fd     int
	id     uint64
	call   OpenCall

	mu       sync.Mutex
	enabled  bool
	closed   bool
	unmapped bool
	mem      []byte
	meta     *unix.PerfEventMmapPage
	data     []byte
	pending  uint64
	written  uint64
	dropped  uint64
}

func (e *Event) FD() int {
	return e.fd
}

func (e *Event) ID() uint64 {
	return e.id
}

func (e *Event) Call() OpenCall {
	return e.call
}

func (e *Event) PID() int {
	return e.call.PID
}

func (e *Event) CPU() int {
	return e.call.CPU
}

// Layout is the record layout implied by the attributes the event was opened with.
func (e *Event) Layout() record.Layout {
	return record.Layout{
		SampleType:   e.call.Attr.Sample_type,
		SampleIDAll:  e.call.Attr.Bits&unix.PerfBitSampleIDAll != 0,
		RegsUserMask: e.call.Attr.Sample_regs_user,
		ReadFormat:   e.call.Attr.Read_format,
	}
}

func (e *Event) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Event) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Event) Mapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem != nil && !e.unmapped
}

// Written returns the number of records that made it into the ring.
func (e *Event) Written() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

// Dropped returns the number of records that did not fit.
func (e *Event) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Write appends rec to the ring. A record that does not fit is counted, and
// the count is reported with a LOST record once space frees up again.
// Writes to a disabled, closed or unmapped event are discarded.
func (e *Event) Write(rec record.Record) (bool, error) {
	buf, err := record.Encode(rec, e.Layout())
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled || e.closed || e.mem == nil || e.unmapped {
		return false, nil
	}

	if e.pending > 0 {
		lost, err := record.Encode(&record.Lost{
			Header:   record.Header{Type: record.TypeLost},
			ID:       e.id,
			Lost:     e.pending,
			SampleID: sampleIDOf(rec),
		}, e.Layout())
		if err != nil {
			return false, err
		}
		if !e.putLocked(lost) {
			e.pending++
			e.dropped++
			return false, nil
		}
		e.pending = 0
	}

	if !e.putLocked(buf) {
		e.pending++
		e.dropped++
		return false, nil
	}
	e.written++
	return true, nil
}

// WriteRaw stores buf at the head without any space check and publishes it.
func (e *Event) WriteRaw(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mem == nil || e.unmapped {
		return fmt.Errorf("event on fd %d is not mapped", e.fd)
	}
	head := atomic.LoadUint64(&e.meta.Data_head)
	e.copyAt(head, buf)
	atomic.StoreUint64(&e.meta.Data_head, head+uint64(len(buf)))
	return nil
}

// Overrun moves the head as if the kernel had lapped the reader by n bytes
// with overwrite semantics.
func (e *Event) Overrun(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tail := atomic.LoadUint64(&e.meta.Data_tail)
	atomic.StoreUint64(&e.meta.Data_head, tail+uint64(len(e.data))+n)
}

// Pending returns the number of unread bytes in the ring.
func (e *Event) Pending() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta == nil {
		return 0
	}
	return atomic.LoadUint64(&e.meta.Data_head) - atomic.LoadUint64(&e.meta.Data_tail)
}

func (e *Event) putLocked(buf []byte) bool {
	head := atomic.LoadUint64(&e.meta.Data_head)
	tail := atomic.LoadUint64(&e.meta.Data_tail)
	if head-tail+uint64(len(buf)) > uint64(len(e.data)) {
		return false
	}
	e.copyAt(head, buf)
	atomic.StoreUint64(&e.meta.Data_head, head+uint64(len(buf)))
	return true
}

func (e *Event) copyAt(pos uint64, buf []byte) {
	start := pos % uint64(len(e.data))
	n := copy(e.data[start:], buf)
	if n < len(buf) {
		copy(e.data, buf[n:])
	}
}

func sampleIDOf(rec record.Record) record.SampleID {
	switch r := rec.(type) {
	case *record.Sample:
		return record.SampleID{PID: r.PID, TID: r.TID, Time: r.Time, ID: r.ID, StreamID: r.StreamID, CPU: r.CPU, Identifier: r.Identifier}
	case *record.Task:
		return r.SampleID
	case *record.Mmap:
		return r.SampleID
	case *record.Lost:
		return r.SampleID
	case *record.Comm:
		return r.SampleID
	case *record.Throttle:
		return r.SampleID
	case *record.Switch:
		return r.SampleID
	default:
		return record.SampleID{}
	}
}
