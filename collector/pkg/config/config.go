package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/collector/pkg/unwind"
	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/cpulist"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
)

type ScopeConfig struct {
	// One of system, cpus or process. system by default.
	Kind target.ScopeKind `yaml:"kind"`

	// CPU list in the sysfs format ("0-3,8"), for the cpus scope.
	CPUs string `yaml:"cpus"`

	// Root of the traced process tree, for the process scope.
	PID linux.ProcessID `yaml:"pid"`
}

type PerfEventConfig struct {
	// Event type, either a perfevent.Type or the perf tool spelling
	// ("cycles", "tracepoint:sched:sched_switch").
	// cpu-clock by default.
	Type string `yaml:"type"`

	// Samples per second. Mutually exclusive with Period.
	// 1000HZ by default.
	Frequency *uint64 `yaml:"frequency"`

	// Events per sample. Mutually exclusive with Frequency.
	Period *uint64 `yaml:"period"`

	// Requested skid constraint. Lowered automatically when unsupported.
	PreciseIP uint8 `yaml:"precise_ip"`

	// Only sample user space.
	ExcludeKernel bool `yaml:"exclude_kernel"`

	// Record context switches.
	ContextSwitches bool `yaml:"context_switches"`

	// Counters read with every sample, same spelling as Type.
	// Tracepoints can not be counted this way.
	Counters []string `yaml:"counters"`
}

type UnwindConfig struct {
	// none, local (frame pointers) or full (stack copies). local by default.
	Mode *unwind.Mode `yaml:"mode"`

	// Callchain depth limit. /proc/sys/kernel/perf_event_max_stack by default.
	MaxStack *uint16 `yaml:"max_stack"`
}

type MonitorConfig struct {
	// How often rings are drained.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Number of cpus drained by one goroutine in cpu based scopes.
	CPUsPerMonitor int `yaml:"cpus_per_monitor"`

	// Minimal number of data pages per ring. Grown to fit large records.
	RingPages int `yaml:"ring_pages"`

	// Records taken from one ring per poll.
	DrainBatch int `yaml:"drain_batch"`

	// Events a stream may queue in the merger before it is paused.
	MergerWatermark int `yaml:"merger_watermark"`

	// Lag of idle stream watermarks behind the kernel clock.
	WatermarkSlack time.Duration `yaml:"watermark_slack"`

	// Emit mmap events for mappings that exist before tracing starts.
	InitialMappings *bool `yaml:"initial_mappings"`
}

type ClockConfig struct {
	// Clock the kernel stamps records with. monotonic by default.
	Kernel string `yaml:"kernel"`

	// Clock of the trace. realtime by default.
	Reference string `yaml:"reference"`

	// pair or breakpoint. pair by default.
	Calibrator string `yaml:"calibrator"`

	Timeout        time.Duration `yaml:"timeout"`
	Rounds         int           `yaml:"rounds"`
	MaxUncertainty time.Duration `yaml:"max_uncertainty"`
}

type HotplugConfig struct {
	// Start monitors for cpus that come online during the run.
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type AcquireConfig struct {
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type MetricsConfig struct {
	// Serve /metrics on this address when set.
	Listen string `yaml:"listen"`
}

// CollaboratorConfig is handled outside of the collector. It is only recorded.
type CollaboratorConfig struct {
	Energy     bool          `yaml:"energy"`
	IOInterval time.Duration `yaml:"io_interval"`
	User       string        `yaml:"user"`
}

type Config struct {
	Scope     ScopeConfig        `yaml:"scope"`
	PerfEvent PerfEventConfig    `yaml:"perf_event"`
	Unwind    UnwindConfig       `yaml:"unwind"`
	Monitor   MonitorConfig      `yaml:"monitor"`
	Clock     ClockConfig        `yaml:"clock"`
	Hotplug   HotplugConfig      `yaml:"hotplug"`
	Acquire   AcquireConfig      `yaml:"acquire"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Sink      sink.Config        `yaml:"sink"`
	External  CollaboratorConfig `yaml:"external"`

	// Stop after this long. Zero runs until interrupted or until the
	// traced process tree exits.
	Duration time.Duration `yaml:"duration"`
}

func defaultValue[T comparable](ptr *T, value T) {
	var zero T
	if *ptr == zero {
		*ptr = value
	}
}

func defaultPointer[T any](ptr **T, value T) {
	if *ptr == nil {
		*ptr = &value
	}
}

func defaultDuration(ptr *time.Duration, value time.Duration) {
	if *ptr <= 0 {
		*ptr = value
	}
}

// CounterTypes resolves Counters.
func (c *PerfEventConfig) CounterTypes() ([]perfevent.Type, error) {
	types := make([]perfevent.Type, 0, len(c.Counters))
	for _, name := range c.Counters {
		typ, tracepoint, err := perfevent.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid counter: %w", err)
		}
		if tracepoint != "" {
			return nil, fmt.Errorf("tracepoint %q can not be a counter", name)
		}
		types = append(types, typ)
	}
	return types, nil
}

func (c *Config) FillDefault() {
	defaultValue(&c.Scope.Kind, target.ScopeSystem)

	defaultValue(&c.PerfEvent.Type, "cpu-clock")
	if c.PerfEvent.Period == nil {
		defaultPointer(&c.PerfEvent.Frequency, 1000)
	}

	defaultPointer(&c.Unwind.Mode, unwind.ModeLocal)

	defaultDuration(&c.Monitor.PollInterval, 10*time.Millisecond)
	defaultValue(&c.Monitor.CPUsPerMonitor, 1)
	defaultValue(&c.Monitor.RingPages, 16)
	defaultValue(&c.Monitor.DrainBatch, 4096)
	defaultValue(&c.Monitor.MergerWatermark, 4096)
	defaultDuration(&c.Monitor.WatermarkSlack, time.Millisecond)
	defaultPointer(&c.Monitor.InitialMappings, true)

	defaultValue(&c.Clock.Kernel, "monotonic")
	defaultValue(&c.Clock.Reference, "realtime")
	defaultValue(&c.Clock.Calibrator, "pair")
	defaultDuration(&c.Clock.Timeout, time.Second)
	defaultValue(&c.Clock.Rounds, 100)
	defaultDuration(&c.Clock.MaxUncertainty, 50*time.Microsecond)

	defaultDuration(&c.Hotplug.Interval, time.Second)
	defaultDuration(&c.Acquire.RetryBackoff, 10*time.Millisecond)

	defaultValue(&c.Sink.Kind, sink.KindDummy)
}

// Validate rejects inconsistent configurations. FillDefault is expected to run first.
func (c *Config) Validate() error {
	var errs []error

	switch c.Scope.Kind {
	case target.ScopeSystem:
	case target.ScopeCPUs:
		cpus, err := cpulist.Parse(c.Scope.CPUs)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid cpu list: %w", err))
		} else if len(cpus) == 0 {
			errs = append(errs, errors.New("cpus scope requires a cpu list"))
		}
	case target.ScopeProcess:
		if c.Scope.PID <= 0 {
			errs = append(errs, errors.New("process scope requires a pid"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scope %q", c.Scope.Kind))
	}
	if c.Scope.Kind != target.ScopeCPUs && c.Scope.CPUs != "" {
		errs = append(errs, fmt.Errorf("cpu list is only valid for the cpus scope, got scope %q", c.Scope.Kind))
	}
	if c.Scope.Kind != target.ScopeProcess && c.Scope.PID != 0 {
		errs = append(errs, fmt.Errorf("pid is only valid for the process scope, got scope %q", c.Scope.Kind))
	}

	if _, _, err := perfevent.ParseType(c.PerfEvent.Type); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PerfEvent.CounterTypes(); err != nil {
		errs = append(errs, err)
	}
	if c.PerfEvent.Frequency != nil && c.PerfEvent.Period != nil {
		errs = append(errs, errors.New("frequency and period are mutually exclusive"))
	}
	if c.PerfEvent.Frequency != nil && *c.PerfEvent.Frequency == 0 {
		errs = append(errs, errors.New("frequency must be positive"))
	}
	if c.PerfEvent.Period != nil && *c.PerfEvent.Period == 0 {
		errs = append(errs, errors.New("period must be positive"))
	}
	if c.PerfEvent.PreciseIP > 3 {
		errs = append(errs, fmt.Errorf("precise_ip must be within 0..3, got %d", c.PerfEvent.PreciseIP))
	}

	if c.Monitor.CPUsPerMonitor < 1 {
		errs = append(errs, errors.New("cpus_per_monitor must be positive"))
	}
	if c.Monitor.RingPages < 1 || c.Monitor.RingPages&(c.Monitor.RingPages-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_pages must be a power of two, got %d", c.Monitor.RingPages))
	}

	switch c.Clock.Calibrator {
	case "pair", "breakpoint":
	default:
		errs = append(errs, fmt.Errorf("unknown clock calibrator %q", c.Clock.Calibrator))
	}

	if err := c.Sink.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
