package record

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Type is the perf_event_header.type of a record.
type Type uint32

const (
	TypeMmap          Type = unix.PERF_RECORD_MMAP
	TypeLost          Type = unix.PERF_RECORD_LOST
	TypeComm          Type = unix.PERF_RECORD_COMM
	TypeExit          Type = unix.PERF_RECORD_EXIT
	TypeThrottle      Type = unix.PERF_RECORD_THROTTLE
	TypeUnthrottle    Type = unix.PERF_RECORD_UNTHROTTLE
	TypeFork          Type = unix.PERF_RECORD_FORK
	TypeRead          Type = unix.PERF_RECORD_READ
	TypeSample        Type = unix.PERF_RECORD_SAMPLE
	TypeMmap2         Type = unix.PERF_RECORD_MMAP2
	TypeLostSamples   Type = unix.PERF_RECORD_LOST_SAMPLES
	TypeSwitch        Type = unix.PERF_RECORD_SWITCH
	TypeSwitchCPUWide Type = unix.PERF_RECORD_SWITCH_CPU_WIDE
)

var typeNames = map[Type]string{
	TypeMmap:          "mmap",
	TypeLost:          "lost",
	TypeComm:          "comm",
	TypeExit:          "exit",
	TypeThrottle:      "throttle",
	TypeUnthrottle:    "unthrottle",
	TypeFork:          "fork",
	TypeRead:          "read",
	TypeSample:        "sample",
	TypeMmap2:         "mmap2",
	TypeLostSamples:   "lost_samples",
	TypeSwitch:        "switch",
	TypeSwitchCPUWide: "switch_cpu_wide",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// perf_event_header.misc bits.
const (
	MiscCPUModeMask    = 0x7
	MiscKernel         = 1
	MiscUser           = 2
	MiscHypervisor     = 3
	MiscGuestKernel    = 4
	MiscGuestUser      = 5
	MiscCommExec       = 1 << 13
	MiscSwitchOut      = 1 << 13
	MiscMmapBuildID    = 1 << 14
	HeaderSize         = 8
	MaxRecordSize      = 1<<16 - 1
	callchainMarkerMin = ^uint64(4095) + 1 // PERF_CONTEXT_MAX (-4095)
)

// Callchain context markers.
const (
	ContextHypervisor  = ^uint64(32) + 1
	ContextKernel      = ^uint64(128) + 1
	ContextUser        = ^uint64(512) + 1
	ContextGuest       = ^uint64(2048) + 1
	ContextGuestKernel = ^uint64(2176) + 1
	ContextGuestUser   = ^uint64(2560) + 1
)

// IsContextMarker reports whether a callchain entry switches the context
// instead of being an instruction pointer.
func IsContextMarker(ip uint64) bool {
	return ip >= callchainMarkerMin
}

type Header struct {
	Type Type
	Misc uint16
	Size uint16
}

func (h Header) RecordHeader() Header {
	return h
}

// CPUMode returns the PERF_RECORD_MISC_* cpu mode.
func (h Header) CPUMode() uint16 {
	return h.Misc & MiscCPUModeMask
}

// Record is one decoded ring buffer record.
type Record interface {
	RecordHeader() Header

	// Timestamp returns the kernel clock value of the record, zero if absent.
	Timestamp() uint64
}

////////////////////////////////////////////////////////////////////////////////

// SampleID is the trailer of non-sample records when sample_id_all is set.
type SampleID struct {
	PID        uint32
	TID        uint32
	Time       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Res        uint32
	Identifier uint64
}

func (s SampleID) Timestamp() uint64 {
	return s.Time
}

type Sample struct {
	Header
	Identifier uint64
	IP         uint64
	PID        uint32
	TID        uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Res        uint32
	Period     uint64
	// Counter group values, set with PERF_SAMPLE_READ.
	Read      *ReadValues
	Callchain []uint64
	Raw       []byte
	// Zero ABI means no user registers were captured.
	RegsABI      uint64
	Regs         []uint64
	StackUser    []byte
	StackDynSize uint64
}

func (s *Sample) Timestamp() uint64 {
	return s.Time
}

// CounterValue is one counter of a read_format block.
type CounterValue struct {
	Value uint64
	// Event id, set with ReadFormatID.
	ID uint64
	// Samples lost by the counter, set with ReadFormatLost.
	Lost uint64
}

// ReadValues is a read_format block. Without ReadFormatGroup it holds
// exactly one value.
type ReadValues struct {
	TimeEnabled uint64
	TimeRunning uint64
	Values      []CounterValue
}

// Scaled extrapolates a value of a counter that was multiplexed with others.
func (r *ReadValues) Scaled(i int) uint64 {
	v := r.Values[i].Value
	if r.TimeRunning == 0 || r.TimeRunning >= r.TimeEnabled {
		return v
	}
	return uint64(float64(v) * float64(r.TimeEnabled) / float64(r.TimeRunning))
}

// Read is a PERF_RECORD_READ record: counter values of an exiting child
// with inherit_stat.
type Read struct {
	Header
	PID    uint32
	TID    uint32
	Values ReadValues
	SampleID
}

// Task is a PERF_RECORD_FORK or PERF_RECORD_EXIT record.
type Task struct {
	Header
	PID  uint32
	PPID uint32
	TID  uint32
	PTID uint32
	Time uint64
	SampleID
}

func (t *Task) Exit() bool {
	return t.Type == TypeExit
}

func (t *Task) Timestamp() uint64 {
	return t.Time
}

// Mmap is a PERF_RECORD_MMAP or PERF_RECORD_MMAP2 record.
// The device fields are only meaningful for MMAP2.
type Mmap struct {
	Header
	PID           uint32
	TID           uint32
	Addr          uint64
	Len           uint64
	PgOff         uint64
	Maj           uint32
	Min           uint32
	Ino           uint64
	InoGeneration uint64
	Prot          uint32
	Flags         uint32
	Filename      string
	SampleID
}

func (m *Mmap) Executable() bool {
	return m.Type == TypeMmap || m.Prot&unix.PROT_EXEC != 0
}

// Lost is a PERF_RECORD_LOST or PERF_RECORD_LOST_SAMPLES record.
type Lost struct {
	Header
	// Event id, zero for LOST_SAMPLES.
	ID   uint64
	Lost uint64
	// Set when the reader made up the record after losing sync with the ring.
	Synthesized bool
	SampleID
}

type Comm struct {
	Header
	PID  uint32
	TID  uint32
	Comm string
	SampleID
}

func (c *Comm) Exec() bool {
	return c.Misc&MiscCommExec != 0
}

// Throttle is a PERF_RECORD_THROTTLE or PERF_RECORD_UNTHROTTLE record.
type Throttle struct {
	Header
	Time     uint64
	ID       uint64
	StreamID uint64
	SampleID
}

func (t *Throttle) Throttled() bool {
	return t.Type == TypeThrottle
}

func (t *Throttle) Timestamp() uint64 {
	return t.Time
}

// Switch is a PERF_RECORD_SWITCH or PERF_RECORD_SWITCH_CPU_WIDE record.
type Switch struct {
	Header
	NextPrevPID uint32
	NextPrevTID uint32
	SampleID
}

func (s *Switch) Out() bool {
	return s.Misc&MiscSwitchOut != 0
}

// Unknown keeps the payload of a record this package does not interpret.
type Unknown struct {
	Header
	Data []byte
}

func (u *Unknown) Timestamp() uint64 {
	return 0
}

var (
	_ Record = (*Sample)(nil)
	_ Record = (*Task)(nil)
	_ Record = (*Mmap)(nil)
	_ Record = (*Lost)(nil)
	_ Record = (*Comm)(nil)
	_ Record = (*Throttle)(nil)
	_ Record = (*Switch)(nil)
	_ Record = (*Read)(nil)
	_ Record = (*Unknown)(nil)
)
