package monitor

import (
	"context"

	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

// cpuVariant is shared by the global and cpu set monitors. A failing cpu
// is skipped as long as any other cpu of the monitor opened.
type cpuVariant struct {
	name string
}

func (v cpuVariant) kind() string {
	return v.name
}

func (cpuVariant) skippable(class perfevent.ErrorClass) bool {
	return true
}

func (cpuVariant) opened(ctx context.Context, m *Monitor) error {
	return nil
}

func (cpuVariant) task(ctx context.Context, m *Monitor, st *streamState, task *record.Task) {}

func (cpuVariant) polled(m *Monitor) {}

// Cpus do not exit.
func (cpuVariant) exhausted(m *Monitor) bool {
	return false
}

func (cpuVariant) stopped(m *Monitor) {}

// NewGlobal creates a monitor for a group of cpus of a system wide run.
// It runs until stopped.
func NewGlobal(deps Deps, conf Config, name string, cpus []target.Target) *Monitor {
	return newMonitor(deps, conf, name, cpus, cpuVariant{name: "global"})
}

// NewCPUSet creates a monitor for an explicit set of cpus. It runs until stopped.
func NewCPUSet(deps Deps, conf Config, name string, cpus []target.Target) *Monitor {
	return newMonitor(deps, conf, name, cpus, cpuVariant{name: "cpuset"})
}
