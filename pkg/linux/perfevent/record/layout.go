package record

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"
)

// Layout describes which optional fields the kernel writes into records.
// It must match the perf_event_attr the stream was opened with.
type Layout struct {
	// perf_event_attr.sample_type.
	SampleType uint64

	// perf_event_attr.sample_id_all: non-sample records carry a SampleID trailer.
	SampleIDAll bool

	// perf_event_attr.sample_regs_user.
	RegsUserMask uint64

	// perf_event_attr.read_format, used by PERF_SAMPLE_READ and READ records.
	ReadFormat uint64
}

// perf_event_attr.read_format bits.
const (
	ReadFormatTotalTimeEnabled = 1 << 0
	ReadFormatTotalTimeRunning = 1 << 1
	ReadFormatID               = 1 << 2
	ReadFormatGroup            = 1 << 3
	ReadFormatLost             = 1 << 4

	supportedReadFormat = ReadFormatTotalTimeEnabled | ReadFormatTotalTimeRunning | ReadFormatID | ReadFormatGroup | ReadFormatLost
)

const supportedSampleType = 0 |
	unix.PERF_SAMPLE_IDENTIFIER |
	unix.PERF_SAMPLE_IP |
	unix.PERF_SAMPLE_TID |
	unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_ADDR |
	unix.PERF_SAMPLE_ID |
	unix.PERF_SAMPLE_STREAM_ID |
	unix.PERF_SAMPLE_CPU |
	unix.PERF_SAMPLE_PERIOD |
	unix.PERF_SAMPLE_READ |
	unix.PERF_SAMPLE_CALLCHAIN |
	unix.PERF_SAMPLE_RAW |
	unix.PERF_SAMPLE_REGS_USER |
	unix.PERF_SAMPLE_STACK_USER

func (l Layout) Validate() error {
	if extra := l.SampleType &^ supportedSampleType; extra != 0 {
		return fmt.Errorf("unsupported sample_type bits %#x", extra)
	}
	if l.SampleType&unix.PERF_SAMPLE_REGS_USER != 0 && l.RegsUserMask == 0 {
		return fmt.Errorf("PERF_SAMPLE_REGS_USER requires a non-empty register mask")
	}
	if extra := l.ReadFormat &^ supportedReadFormat; extra != 0 {
		return fmt.Errorf("unsupported read_format bits %#x", extra)
	}
	return nil
}

func (l Layout) reads(bit uint64) bool {
	return l.ReadFormat&bit != 0
}

func (l Layout) has(bit uint64) bool {
	return l.SampleType&bit != 0
}

func (l Layout) regsCount() int {
	return bits.OnesCount64(l.RegsUserMask)
}

// sampleIDSize is the length of the trailer appended to non-sample records.
func (l Layout) sampleIDSize() int {
	if !l.SampleIDAll {
		return 0
	}

	size := 0
	for _, bit := range []uint64{
		unix.PERF_SAMPLE_TID,
		unix.PERF_SAMPLE_TIME,
		unix.PERF_SAMPLE_ID,
		unix.PERF_SAMPLE_STREAM_ID,
		unix.PERF_SAMPLE_CPU,
		unix.PERF_SAMPLE_IDENTIFIER,
	} {
		if l.has(bit) {
			size += 8
		}
	}
	return size
}

// HasTime reports whether every record produced with this layout carries a timestamp.
func (l Layout) HasTime() bool {
	return l.has(unix.PERF_SAMPLE_TIME) && l.SampleIDAll
}

// counterWords is the number of u64 words per counter of a group read.
func (l Layout) counterWords() int {
	n := 1
	if l.reads(ReadFormatID) {
		n++
	}
	if l.reads(ReadFormatLost) {
		n++
	}
	return n
}
