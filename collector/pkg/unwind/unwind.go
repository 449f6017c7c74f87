package unwind

import (
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"strconv"
	"strings"

	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

type Mode int

const (
	ModeNone Mode = iota
	// Kernel frame-pointer callchains.
	ModeLocal
	// Callchains plus a copy of the user stack and registers for off-line unwinding.
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeLocal:
		return "local"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return ModeNone, nil
	case "local", "fp":
		return ModeLocal, nil
	case "full", "dwarf":
		return ModeFull, nil
	default:
		return ModeNone, fmt.Errorf("unknown unwind mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

const (
	DefaultMaxStack = 127

	// Largest user stack dump the kernel accepts: u16 record size minus headroom, 8-byte aligned.
	FullStackDump = 65528

	// Ring buffers are sized to hold at least this many records of the estimated size.
	MinRecordsPerRing = 16

	// Fixed part of a sample: header, ip, pid/tid, time, cpu, period, and the sample id trailer slack.
	baseSampleSize = record.HeaderSize + 8*5
)

type Policy struct {
	Mode      Mode
	MaxStack  uint16
	RegsMask  uint64
	StackDump uint32
}

// NewPolicy builds the policy of mode for the running architecture.
// maxStack is the kernel.perf_event_max_stack limit, zero selects the default.
func NewPolicy(mode Mode, maxStack uint16) Policy {
	if maxStack == 0 {
		maxStack = DefaultMaxStack
	}
	p := Policy{Mode: mode}
	switch mode {
	case ModeLocal:
		p.MaxStack = maxStack
	case ModeFull:
		p.MaxStack = maxStack
		p.RegsMask = archUnwindRegs
		p.StackDump = FullStackDump
	}
	return p
}

// Apply sets the sample fields the policy needs.
func (p Policy) Apply(opts *perfevent.Options) {
	opts.Unwind = perfevent.UnwindOptions{}
	if p.Mode == ModeNone {
		return
	}
	opts.Unwind.Callchain = true
	opts.Unwind.MaxStack = p.MaxStack
	if p.Mode == ModeFull {
		opts.Unwind.RegsUser = p.RegsMask
		opts.Unwind.StackUser = p.StackDump
	}
}

// RecordSize estimates the size of one sample record in bytes.
func (p Policy) RecordSize() int {
	size := baseSampleSize
	if p.Mode == ModeNone {
		return size
	}
	// nr plus the frames and a context marker per side.
	size += 8 * (1 + int(p.MaxStack) + 2)
	if p.Mode == ModeFull {
		// abi, regs, stack size, stack, dyn size.
		size += 8 + 8*bits.OnesCount64(p.RegsMask) + 8 + int(p.StackDump) + 8
	}
	// The kernel trims the stack dump to keep records under the u16 size limit.
	return min(size, record.MaxRecordSize)
}

// RingPages returns the number of data pages for a ring buffer: at least
// minPages, a power of two, and large enough for MinRecordsPerRing records.
func (p Policy) RingPages(pageSize, minPages int) int {
	need := (p.RecordSize()*MinRecordsPerRing + pageSize - 1) / pageSize
	need = max(need, minPages, 1)
	return 1 << bits.Len(uint(need-1))
}

const maxStackPath = "sys/kernel/perf_event_max_stack"

// ReadMaxStack reads kernel.perf_event_max_stack from a procfs.
func ReadMaxStack(procfs fs.FS) (uint16, error) {
	data, err := fs.ReadFile(procfs, maxStackPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultMaxStack, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", maxStackPath, err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", maxStackPath, err)
	}
	return uint16(value), nil
}
