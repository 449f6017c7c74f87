package event

import (
	"fmt"

	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

type Kind int

const (
	KindSample Kind = iota
	KindFork
	KindExit
	KindMmap
	KindComm
	KindLost
	KindThrottle
	KindUnthrottle
	KindSwitch
	KindCounter
	KindUnknown
)

var kindNames = [...]string{
	KindSample:     "sample",
	KindFork:       "fork",
	KindExit:       "exit",
	KindMmap:       "mmap",
	KindComm:       "comm",
	KindLost:       "lost",
	KindThrottle:   "throttle",
	KindUnthrottle: "unthrottle",
	KindSwitch:     "switch",
	KindCounter:    "counter",
	KindUnknown:    "unknown",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func KindOf(rec record.Record) Kind {
	switch r := rec.(type) {
	case *record.Sample:
		return KindSample
	case *record.Task:
		if r.Exit() {
			return KindExit
		}
		return KindFork
	case *record.Mmap:
		return KindMmap
	case *record.Comm:
		return KindComm
	case *record.Lost:
		return KindLost
	case *record.Throttle:
		if r.Throttled() {
			return KindThrottle
		}
		return KindUnthrottle
	case *record.Switch:
		return KindSwitch
	case *record.Read:
		return KindCounter
	default:
		return KindUnknown
	}
}

// Event is a decoded record stamped in the reference clock domain.
type Event struct {
	Kind Kind

	// Reference clock nanoseconds. The only field used to order events
	// of different streams.
	Time int64

	// Raw kernel clock value, kept even when Time had to be adjusted.
	KernelTime uint64

	// Time was raised to keep the merged stream ordered.
	Late bool

	// Stream the event was read from.
	Target target.Target

	// Name of the monitor that read the event.
	Monitor string

	Record record.Record

	// Names of kernel addresses, filled by a symbolizing sink.
	Symbols map[uint64]string
}

// New wraps rec. Records without a timestamp take fallback as their kernel time.
func New(rec record.Record, t target.Target, monitor string, fallback uint64, convert func(uint64) int64) *Event {
	kernelTime := rec.Timestamp()
	if kernelTime == 0 {
		kernelTime = fallback
	}
	return &Event{
		Kind:       KindOf(rec),
		Time:       convert(kernelTime),
		KernelTime: kernelTime,
		Target:     t,
		Monitor:    monitor,
		Record:     rec,
	}
}

// Lost returns the number of lost records carried by a KindLost event.
func (e *Event) Lost() uint64 {
	if lost, ok := e.Record.(*record.Lost); ok {
		return lost.Lost
	}
	return 0
}

// Counters returns the counter group values carried by a sample or a
// KindCounter event, nil if there are none.
func (e *Event) Counters() *record.ReadValues {
	switch r := e.Record.(type) {
	case *record.Sample:
		return r.Read
	case *record.Read:
		return &r.Values
	default:
		return nil
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s@%d[%s]", e.Kind, e.Time, e.Target)
}

// Gap marks records the kernel or the reader could not deliver.
type Gap struct {
	Time        int64
	Target      target.Target
	Monitor     string
	Lost        uint64
	Synthesized bool
}

func GapOf(e *Event) Gap {
	gap := Gap{Time: e.Time, Target: e.Target, Monitor: e.Monitor, Lost: e.Lost()}
	if lost, ok := e.Record.(*record.Lost); ok {
		gap.Synthesized = lost.Synthesized
	}
	return gap
}
