// Package perfeventtest provides an in-process stand-in for the perf_event
// system calls. Rings live in Go memory and are filled by a writer that
// follows the kernel's overflow rules.
package perfeventtest

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux/perfevent"
)

const DefaultPageSize = 4096

// OpenCall is one perf_event_open invocation seen by the kernel.
type OpenCall struct {
	Attr unix.PerfEventAttr
	PID  int
	CPU  int
	// Leader descriptor, -1 for a standalone event.
	GroupFD int
}

// Member reports whether the call opened a member of a counter group.
func (c OpenCall) Member() bool {
	return c.GroupFD != -1
}

func (c OpenCall) PreciseIP() uint8 {
	return uint8(c.Attr.Bits>>15) & 3
}

func (c OpenCall) ExcludeKernel() bool {
	return c.Attr.Bits&unix.PerfBitExcludeKernel != 0
}

// Rule makes matching perf_event_open calls fail with Err.
type Rule struct {
	Match func(call OpenCall) bool
	Err   error

	// Number of calls to fail, zero fails every matching call.
	Times int

	hits int
}

// OnCPU matches calls for the given cpu.
func OnCPU(cpu int) func(OpenCall) bool {
	return func(c OpenCall) bool {
		return c.CPU == cpu
	}
}

// OnThread matches calls for the given thread.
func OnThread(tid int) func(OpenCall) bool {
	return func(c OpenCall) bool {
		return c.PID == tid
	}
}

type Kernel struct {
	mu       sync.Mutex
	pageSize int
	nextID   uint64
	rules    []*Rule
	calls    []OpenCall
	open     map[int]*Event
	events   []*Event
	onOpen   []func(*Event)
}

var _ perfevent.Kernel = (*Kernel)(nil)

func NewKernel() *Kernel {
	return &Kernel{
		pageSize: DefaultPageSize,
		nextID:   1,
		open:     make(map[int]*Event),
	}
}

// Fail registers a failure rule. Rules are checked in registration order.
func (k *Kernel) Fail(rule Rule) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := rule
	k.rules = append(k.rules, &r)
}

// OnOpen registers a callback invoked for every successfully opened event.
func (k *Kernel) OnOpen(cb func(ev *Event)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onOpen = append(k.onOpen, cb)
}

func (k *Kernel) Calls() []OpenCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]OpenCall(nil), k.calls...)
}

// Events returns every event ever opened, in open order.
func (k *Kernel) Events() []*Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Event(nil), k.events...)
}

// OpenFDs returns the number of descriptors not yet closed.
func (k *Kernel) OpenFDs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.open)
}

// Lookup returns the open event on fd.
func (k *Kernel) Lookup(fd int) (*Event, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ev, ok := k.open[fd]
	return ev, ok
}

func (k *Kernel) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	k.mu.Lock()

	call := OpenCall{Attr: *attr, PID: pid, CPU: cpu, GroupFD: groupFD}
	k.calls = append(k.calls, call)

	for _, rule := range k.rules {
		if rule.Times != 0 && rule.hits >= rule.Times {
			continue
		}
		if rule.Match == nil || rule.Match(call) {
			rule.hits++
			k.mu.Unlock()
			return -1, rule.Err
		}
	}

	if pid == -1 && cpu == -1 {
		k.mu.Unlock()
		return -1, unix.EINVAL
	}
	if groupFD != -1 {
		if _, ok := k.open[groupFD]; !ok {
			k.mu.Unlock()
			return -1, unix.EBADF
		}
	}

	ev := &Event{
		kernel: k,
		fd:     k.lowestFreeFD(),
		id:     k.nextID,
		call:   call,
	}
	ev.enabled = attr.Bits&unix.PerfBitDisabled == 0
	k.nextID++
	k.open[ev.fd] = ev
	k.events = append(k.events, ev)
	callbacks := slices.Clone(k.onOpen)
	k.mu.Unlock()

	for _, cb := range callbacks {
		cb(ev)
	}
	return ev.fd, nil
}

// lowestFreeFD hands out descriptors the way the kernel does, so numbers are reused.
func (k *Kernel) lowestFreeFD() int {
	used := make([]int, 0, len(k.open))
	for fd := range k.open {
		used = append(used, fd)
	}
	sort.Ints(used)

	fd := 3
	for _, u := range used {
		if u != fd {
			break
		}
		fd++
	}
	return fd
}

func (k *Kernel) event(fd int) (*Event, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ev, ok := k.open[fd]
	if !ok {
		return nil, unix.EBADF
	}
	return ev, nil
}

func (k *Kernel) EventID(fd int) (uint64, error) {
	ev, err := k.event(fd)
	if err != nil {
		return 0, err
	}
	return ev.id, nil
}

func (k *Kernel) Enable(fd int) error {
	ev, err := k.event(fd)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	ev.enabled = true
	ev.mu.Unlock()
	return nil
}

func (k *Kernel) Disable(fd int) error {
	ev, err := k.event(fd)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	ev.enabled = false
	ev.mu.Unlock()
	return nil
}

func (k *Kernel) Mmap(fd int, length int) ([]byte, error) {
	ev, err := k.event(fd)
	if err != nil {
		return nil, err
	}

	pages := length/k.pageSize - 1
	if length%k.pageSize != 0 || pages <= 0 || pages&(pages-1) != 0 {
		return nil, unix.EINVAL
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.mem != nil {
		return nil, unix.EBUSY
	}

	// Back the mapping with uint64s to get the alignment the metadata page needs.
	words := make([]uint64, length/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), length)

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0]))
	meta.Data_offset = uint64(k.pageSize)
	meta.Data_size = uint64(length - k.pageSize)

	ev.mem = mem
	ev.meta = meta
	ev.data = mem[k.pageSize:]
	return mem, nil
}

func (k *Kernel) Munmap(mem []byte) error {
	if len(mem) == 0 {
		return unix.EINVAL
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, ev := range k.events {
		ev.mu.Lock()
		match := ev.mem != nil && &ev.mem[0] == &mem[0]
		if match {
			ev.unmapped = true
		}
		ev.mu.Unlock()
		if match {
			return nil
		}
	}
	return unix.EINVAL
}

func (k *Kernel) Close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	ev, ok := k.open[fd]
	if !ok {
		return unix.EBADF
	}
	delete(k.open, fd)

	ev.mu.Lock()
	ev.closed = true
	ev.mu.Unlock()
	return nil
}

func (k *Kernel) PageSize() int {
	return k.pageSize
}

// CheckClean returns an error if a descriptor or mapping outlived its close.
func (k *Kernel) CheckClean() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for fd := range k.open {
		errs = append(errs, fmt.Errorf("fd %d is still open", fd))
	}
	for _, ev := range k.events {
		ev.mu.Lock()
		if ev.mem != nil && !ev.unmapped {
			errs = append(errs, fmt.Errorf("ring of fd %d is still mapped", ev.fd))
		}
		ev.mu.Unlock()
	}
	return errors.Join(errs...)
}
