package target

import (
	"fmt"

	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/ptr"
)

type Kind int

const (
	KindCPU Kind = iota
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindThread:
		return "thread"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is either a CPU or a thread of a traced process.
type Target struct {
	Kind Kind
	CPU  int
	PID  linux.ProcessID
	TID  linux.ThreadID
}

func CPU(cpu int) Target {
	return Target{Kind: KindCPU, CPU: cpu}
}

func Thread(pid linux.ProcessID, tid linux.ThreadID) Target {
	return Target{Kind: KindThread, CPU: -1, PID: pid, TID: tid}
}

// Key is a total order over targets: CPUs by number, then threads by tid.
type Key uint64

const threadKeyBit Key = 1 << 63

func (t Target) Key() Key {
	if t.Kind == KindThread {
		return threadKeyBit | Key(uint32(t.TID))
	}
	return Key(uint32(t.CPU))
}

func (t Target) String() string {
	if t.Kind == KindThread {
		return fmt.Sprintf("pid=%d/tid=%d", t.PID, t.TID)
	}
	return fmt.Sprintf("cpu=%d", t.CPU)
}

// PerfTarget is the perf_event_open (pid, cpu) pair for the target.
func (t Target) PerfTarget() perfevent.Target {
	if t.Kind == KindThread {
		return perfevent.Target{ThreadID: ptr.T(int(t.TID))}
	}
	return perfevent.Target{CPU: ptr.T(t.CPU)}
}
