package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/collector/pkg/unwind"
	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/ptr"
)

func TestFillDefault(t *testing.T) {
	var conf Config
	conf.FillDefault()
	require.NoError(t, conf.Validate())

	require.Equal(t, target.ScopeSystem, conf.Scope.Kind)
	require.Equal(t, "cpu-clock", conf.PerfEvent.Type)
	require.Equal(t, uint64(1000), *conf.PerfEvent.Frequency)
	require.Nil(t, conf.PerfEvent.Period)
	require.Equal(t, unwind.ModeLocal, *conf.Unwind.Mode)
	require.Nil(t, conf.Unwind.MaxStack)
	require.Equal(t, 10*time.Millisecond, conf.Monitor.PollInterval)
	require.Equal(t, 1, conf.Monitor.CPUsPerMonitor)
	require.Equal(t, 16, conf.Monitor.RingPages)
	require.True(t, *conf.Monitor.InitialMappings)
	require.Equal(t, "monotonic", conf.Clock.Kernel)
	require.Equal(t, "realtime", conf.Clock.Reference)
	require.Equal(t, "pair", conf.Clock.Calibrator)
	require.Equal(t, time.Second, conf.Clock.Timeout)
	require.Equal(t, sink.KindDummy, conf.Sink.Kind)
	require.False(t, conf.Hotplug.Enabled)
}

func TestFillDefaultKeepsPeriod(t *testing.T) {
	conf := Config{PerfEvent: PerfEventConfig{Period: ptr.T(uint64(100000))}}
	conf.FillDefault()
	require.Nil(t, conf.PerfEvent.Frequency)
	require.NoError(t, conf.Validate())
}

func TestParseYAML(t *testing.T) {
	const data = `
scope:
  kind: cpus
  cpus: 0-3,8
perf_event:
  type: cycles
  period: 50000
  precise_ip: 2
  counters: [instructions, LLCacheLoadMisses]
unwind:
  mode: full
  max_stack: 64
monitor:
  poll_interval: 5ms
  cpus_per_monitor: 4
  initial_mappings: false
clock:
  calibrator: breakpoint
hotplug:
  enabled: true
  interval: 2s
sink:
  kind: local
  path: /tmp/trace.zst
  compression_level: 7
external:
  energy: true
  io_interval: 100ms
  user: nobody
duration: 30s
`
	var conf Config
	require.NoError(t, yaml.Unmarshal([]byte(data), &conf))
	conf.FillDefault()
	require.NoError(t, conf.Validate())

	require.Equal(t, target.ScopeCPUs, conf.Scope.Kind)
	require.Equal(t, "0-3,8", conf.Scope.CPUs)
	require.Equal(t, uint64(50000), *conf.PerfEvent.Period)
	require.Nil(t, conf.PerfEvent.Frequency)
	require.Equal(t, uint8(2), conf.PerfEvent.PreciseIP)
	counters, err := conf.PerfEvent.CounterTypes()
	require.NoError(t, err)
	require.Equal(t, []perfevent.Type{perfevent.CPUInstructions, perfevent.LLCacheLoadMisses}, counters)
	require.Equal(t, unwind.ModeFull, *conf.Unwind.Mode)
	require.Equal(t, uint16(64), *conf.Unwind.MaxStack)
	require.Equal(t, 5*time.Millisecond, conf.Monitor.PollInterval)
	require.Equal(t, 4, conf.Monitor.CPUsPerMonitor)
	require.False(t, *conf.Monitor.InitialMappings)
	require.Equal(t, "breakpoint", conf.Clock.Calibrator)
	require.True(t, conf.Hotplug.Enabled)
	require.Equal(t, 2*time.Second, conf.Hotplug.Interval)
	require.Equal(t, sink.KindLocal, conf.Sink.Kind)
	require.Equal(t, 7, *conf.Sink.CompressionLevel)
	require.True(t, conf.External.Energy)
	require.Equal(t, 100*time.Millisecond, conf.External.IOInterval)
	require.Equal(t, "nobody", conf.External.User)
	require.Equal(t, 30*time.Second, conf.Duration)
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{
			name:   "cpus scope without cpus",
			modify: func(c *Config) { c.Scope.Kind = target.ScopeCPUs },
			err:    "requires a cpu list",
		},
		{
			name: "malformed cpu list",
			modify: func(c *Config) {
				c.Scope.Kind = target.ScopeCPUs
				c.Scope.CPUs = "3-x"
			},
			err: "invalid cpu list",
		},
		{
			name:   "process scope without pid",
			modify: func(c *Config) { c.Scope.Kind = target.ScopeProcess },
			err:    "requires a pid",
		},
		{
			name:   "pid outside of process scope",
			modify: func(c *Config) { c.Scope.PID = 10 },
			err:    "only valid for the process scope",
		},
		{
			name:   "unknown scope",
			modify: func(c *Config) { c.Scope.Kind = "galaxy" },
			err:    "unknown scope",
		},
		{
			name:   "frequency and period",
			modify: func(c *Config) { c.PerfEvent.Period = ptr.T(uint64(1000)) },
			err:    "mutually exclusive",
		},
		{
			name:   "unknown event",
			modify: func(c *Config) { c.PerfEvent.Type = "no-such-event" },
			err:    "no-such-event",
		},
		{
			name:   "unknown counter",
			modify: func(c *Config) { c.PerfEvent.Counters = []string{"cycles", "bogomips"} },
			err:    "invalid counter",
		},
		{
			name:   "tracepoint counter",
			modify: func(c *Config) { c.PerfEvent.Counters = []string{"tracepoint:sched:sched_switch"} },
			err:    "can not be a counter",
		},
		{
			name:   "precise ip",
			modify: func(c *Config) { c.PerfEvent.PreciseIP = 4 },
			err:    "precise_ip",
		},
		{
			name:   "ring pages",
			modify: func(c *Config) { c.Monitor.RingPages = 12 },
			err:    "power of two",
		},
		{
			name:   "calibrator",
			modify: func(c *Config) { c.Clock.Calibrator = "sundial" },
			err:    "unknown clock calibrator",
		},
		{
			name:   "sink without path",
			modify: func(c *Config) { c.Sink.Kind = sink.KindPprof },
			err:    "requires a path",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			var conf Config
			conf.FillDefault()
			test.modify(&conf)
			err := conf.Validate()
			require.Error(t, err)
			require.ErrorContains(t, err, test.err)
		})
	}
}
