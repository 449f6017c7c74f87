package perfevent

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

////////////////////////////////////////////////////////////////////////////////

type Target struct {
	// ID of the thread to trace.
	// If ThreadID is nil, trace every thread running on CPU.
	ThreadID *int

	// ID of the CPU core to trace.
	// If CPU is nil, follow the thread on every core.
	CPU *int
}

func (t Target) String() string {
	switch {
	case t.ThreadID != nil && t.CPU != nil:
		return fmt.Sprintf("tid=%d/cpu=%d", *t.ThreadID, *t.CPU)
	case t.ThreadID != nil:
		return fmt.Sprintf("tid=%d", *t.ThreadID)
	case t.CPU != nil:
		return fmt.Sprintf("cpu=%d", *t.CPU)
	default:
		return "invalid"
	}
}

func (t Target) pidCPU() (pid int, cpu int, err error) {
	pid, cpu = -1, -1
	if t.ThreadID != nil {
		pid = *t.ThreadID
	}
	if t.CPU != nil {
		cpu = *t.CPU
	}
	if pid == -1 && cpu == -1 {
		return 0, 0, fmt.Errorf("perf event target must name a thread, a cpu or both")
	}
	return pid, cpu, nil
}

type UnwindOptions struct {
	// Sample the kernel-provided callchain (PERF_SAMPLE_CALLCHAIN).
	Callchain bool

	// sample_max_stack, zero keeps the kernel default.
	MaxStack uint16

	// Mask of user registers to dump (PERF_SAMPLE_REGS_USER).
	RegsUser uint64

	// Bytes of user stack to dump (PERF_SAMPLE_STACK_USER).
	StackUser uint32
}

type BreakpointOptions struct {
	Addr uint64
	Len  uint64
	// HW_BREAKPOINT_* access type.
	Access uint32
}

type Options struct {
	// Type of the perf event.
	Type Type

	// Tracepoint id, for Type == Tracepoint. See ResolveTracepoint.
	TracepointID uint64

	// Breakpoint parameters, for Type == Breakpoint.
	Breakpoint *BreakpointOptions

	// Event sampling rate.
	SampleRate *uint64

	// Number of events per second, HZ.
	// The kernel will try to select sampling rate to match the requested frequency.
	Frequency *uint64

	// Pin events on the CPU.
	Pinned bool

	// Create perf event enabled by default.
	Enable bool

	// Count child tasks created after the event was opened.
	Inherit bool

	// Do not sample kernel and hypervisor code.
	ExcludeKernel bool

	// Requested skid constraint, 0..3. Lowered automatically when unsupported.
	PreciseIP uint8

	// Clock used for sample timestamps, nil keeps the perf clock.
	ClockID *int32

	// Wake the reader after this many bytes instead of every event.
	WakeupBytes uint32

	// Side-band records.
	Task          bool
	Mmap          bool
	Comm          bool
	ContextSwitch bool

	Unwind UnwindOptions

	// Counters read together with every sample of the event. They are
	// opened as members of a group the sampling event leads.
	Counters []Type
}

// Counter is an opened member of a counter group.
type Counter struct {
	Type Type
	ID   uint64
}

const groupReadFormat = record.ReadFormatGroup |
	record.ReadFormatID |
	record.ReadFormatTotalTimeEnabled |
	record.ReadFormatTotalTimeRunning

const baseSampleType = 0 |
	unix.PERF_SAMPLE_IP |
	unix.PERF_SAMPLE_TID |
	unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_CPU |
	unix.PERF_SAMPLE_PERIOD

func (o *Options) SampleType() uint64 {
	st := uint64(baseSampleType)
	if o.Unwind.Callchain {
		st |= unix.PERF_SAMPLE_CALLCHAIN
	}
	if o.Unwind.RegsUser != 0 {
		st |= unix.PERF_SAMPLE_REGS_USER
	}
	if o.Unwind.StackUser != 0 {
		st |= unix.PERF_SAMPLE_STACK_USER
	}
	if o.Type == Tracepoint {
		st |= unix.PERF_SAMPLE_RAW
	}
	if len(o.Counters) != 0 {
		st |= unix.PERF_SAMPLE_READ
	}
	return st
}

// ReadFormat is the read_format of the group leader and its members.
func (o *Options) ReadFormat() uint64 {
	if len(o.Counters) == 0 {
		return 0
	}
	return groupReadFormat
}

// Layout describes the records a handle opened with these options produces.
func (o *Options) Layout() record.Layout {
	return record.Layout{
		SampleType:   o.SampleType(),
		SampleIDAll:  true,
		RegsUserMask: o.Unwind.RegsUser,
		ReadFormat:   o.ReadFormat(),
	}
}

func makePerfEventAttr(options *Options) (*unix.PerfEventAttr, error) {
	attr := &unix.PerfEventAttr{}
	attr.Size = uint32(unsafe.Sizeof(*attr))

	err := fillPerfAttrConfig(attr, options)
	if err != nil {
		return nil, err
	}

	attr.Sample_type = options.SampleType()
	attr.Read_format = options.ReadFormat()
	attr.Bits |= unix.PerfBitSampleIDAll

	if options.Frequency != nil {
		attr.Sample = *options.Frequency
		attr.Bits |= unix.PerfBitFreq
	} else if options.SampleRate != nil {
		attr.Sample = *options.SampleRate
	} else {
		return nil, fmt.Errorf("no Frequency or SampleRate is set")
	}

	if options.Pinned {
		attr.Bits |= unix.PerfBitPinned
	}
	if !options.Enable {
		attr.Bits |= unix.PerfBitDisabled
	}
	if options.Inherit {
		attr.Bits |= unix.PerfBitInherit
	}
	if options.ExcludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv
	}
	if options.PreciseIP > 3 {
		return nil, fmt.Errorf("precise_ip must be within 0..3, got %d", options.PreciseIP)
	}
	attr.Bits |= uint64(options.PreciseIP) << 15

	if options.Task {
		attr.Bits |= unix.PerfBitTask
	}
	if options.Mmap {
		attr.Bits |= unix.PerfBitMmap | unix.PerfBitMmap2
	}
	if options.Comm {
		attr.Bits |= unix.PerfBitComm | unix.PerfBitCommExec
	}
	if options.ContextSwitch {
		attr.Bits |= unix.PerfBitContextSwitch
	}

	if options.ClockID != nil {
		attr.Bits |= unix.PerfBitUseClockID
		attr.Clockid = *options.ClockID
	}

	if options.WakeupBytes != 0 {
		attr.Bits |= unix.PerfBitWatermark
		attr.Wakeup = options.WakeupBytes
	} else {
		attr.Wakeup = 1
	}

	if options.Unwind.MaxStack != 0 {
		attr.Sample_max_stack = options.Unwind.MaxStack
	}
	attr.Sample_regs_user = options.Unwind.RegsUser
	attr.Sample_stack_user = options.Unwind.StackUser

	return attr, nil
}

// makeCounterAttr builds the attributes of a counting group member. Members
// follow the enable state of their leader and never sample.
func makeCounterAttr(typ Type, leader *Options) (*unix.PerfEventAttr, error) {
	attr := &unix.PerfEventAttr{}
	attr.Size = uint32(unsafe.Sizeof(*attr))

	if err := fillPerfAttrConfig(attr, &Options{Type: typ}); err != nil {
		return nil, err
	}
	attr.Read_format = leader.ReadFormat()
	if leader.ExcludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv
	}
	if leader.Inherit {
		attr.Bits |= unix.PerfBitInherit
	}
	return attr, nil
}

func fillPerfAttrConfig(attr *unix.PerfEventAttr, options *Options) error {
	if config, ok := hardwareEvents[options.Type]; ok {
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = config
		return nil
	}
	if config, ok := softwareEvents[options.Type]; ok {
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = config
		return nil
	}
	if config, ok := cacheEvents[options.Type]; ok {
		attr.Type = unix.PERF_TYPE_HW_CACHE
		attr.Config = config
		return nil
	}

	switch options.Type {
	case Tracepoint:
		if options.TracepointID == 0 {
			return fmt.Errorf("tracepoint id is not resolved")
		}
		attr.Type = unix.PERF_TYPE_TRACEPOINT
		attr.Config = options.TracepointID

	case Breakpoint:
		bp := options.Breakpoint
		if bp == nil {
			return fmt.Errorf("breakpoint event requires breakpoint options")
		}
		attr.Type = unix.PERF_TYPE_BREAKPOINT
		attr.Bp_type = bp.Access
		attr.Ext1 = bp.Addr
		attr.Ext2 = bp.Len

	default:
		return fmt.Errorf("unsupported perf event type: %s", options.Type)
	}

	return nil
}

func cache(id, op, result uint32) uint64 {
	return uint64(id | (op << 8) | (result << 16))
}
