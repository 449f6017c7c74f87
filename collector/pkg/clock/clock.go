package clock

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/sys/unix"
)

// ID is a posix clockid.
type ID int32

const (
	Realtime     ID = unix.CLOCK_REALTIME
	Monotonic    ID = unix.CLOCK_MONOTONIC
	MonotonicRaw ID = unix.CLOCK_MONOTONIC_RAW
	Boottime     ID = unix.CLOCK_BOOTTIME
)

var idNames = map[ID]string{
	Realtime:     "realtime",
	Monotonic:    "monotonic",
	MonotonicRaw: "monotonic_raw",
	Boottime:     "boottime",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("clock(%d)", int32(id))
}

func ParseID(name string) (ID, error) {
	name = strings.TrimPrefix(strings.ToLower(name), "clock_")
	for id, known := range idNames {
		if known == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown clock %q", name)
}

func (id ID) Now() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(id), &ts); err != nil {
		return 0, fmt.Errorf("failed to read %s clock: %w", id, err)
	}
	return ts.Nano(), nil
}

// Clock reads nanoseconds of one clock domain.
type Clock interface {
	Now() (int64, error)
}

var _ Clock = Monotonic

// Mapping converts kernel clock values to the reference domain:
// reference = kernel*Scale + Offset. Zero Scale means 1.
type Mapping struct {
	Offset int64
	Scale  float64
}

func (m Mapping) Convert(kernel uint64) int64 {
	if m.Scale == 0 || m.Scale == 1 {
		return int64(kernel) + m.Offset
	}
	return int64(math.Round(float64(kernel)*m.Scale)) + m.Offset
}

func (m Mapping) String() string {
	if m.Scale == 0 || m.Scale == 1 {
		return fmt.Sprintf("%+dns", m.Offset)
	}
	return fmt.Sprintf("x%g%+dns", m.Scale, m.Offset)
}
