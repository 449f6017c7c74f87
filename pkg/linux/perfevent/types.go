package perfevent

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

type Type string

// See man 2 perf_event_open for the description of the event types.

const (
	// Hardware events
	CPUCycles             Type = "CPUCycles"
	CPUInstructions       Type = "CPUInstructions"
	CacheReferences       Type = "CacheReferences"
	CacheMisses           Type = "CacheMisses"
	BranchInstructions    Type = "BranchInstructions"
	BranchMisses          Type = "BranchMisses"
	BusCycles             Type = "BusCycles"
	StalledCyclesFrontend Type = "StalledCyclesFrontend"
	StalledCyclesBackend  Type = "StalledCyclesBackend"
	RefCPUCycles          Type = "RefCPUCycles"

	// Software events
	CPUClock        Type = "CPUClock"
	TaskClock       Type = "TaskClock"
	PageFaults      Type = "PageFaults"
	ContextSwitches Type = "ContextSwitches"
	CPUMigrations   Type = "CPUMigrations"
	PageFaultsMin   Type = "PageFaultsMin"
	PageFaultsMaj   Type = "PageFaultsMaj"
	AlignmentFaults Type = "AlignmentFaults"
	EmulationFaults Type = "EmulationFaults"
	Dummy           Type = "Dummy"

	// Some of the hardware cache events
	L1DataCacheLoadMisses        Type = "L1DataCacheLoadMisses"
	L1DataCacheStoreMisses       Type = "L1DataCacheStoreMisses"
	L1InstructionCacheLoadMisses Type = "L1InstructionCacheLoadMisses"
	LLCacheLoadMisses            Type = "LLCacheLoadMisses"
	LLCacheStoreMisses           Type = "LLCacheStoreMisses"
	DataTLBLoadMisses            Type = "DataTLBLoadMisses"
	InstructionTLBLoadMisses     Type = "InstructionTLBLoadMisses"

	// Kernel tracepoint, see Options.TracepointID.
	Tracepoint Type = "Tracepoint"

	// Hardware breakpoint, see Options.Breakpoint.
	Breakpoint Type = "Breakpoint"
)

// HW_BREAKPOINT_* from linux/hw_breakpoint.h.
const (
	BreakpointRead    = 1
	BreakpointWrite   = 2
	BreakpointLength8 = 8
)

var hardwareEvents = map[Type]uint64{
	CPUCycles:             unix.PERF_COUNT_HW_CPU_CYCLES,
	CPUInstructions:       unix.PERF_COUNT_HW_INSTRUCTIONS,
	CacheReferences:       unix.PERF_COUNT_HW_CACHE_REFERENCES,
	CacheMisses:           unix.PERF_COUNT_HW_CACHE_MISSES,
	BranchInstructions:    unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
	BranchMisses:          unix.PERF_COUNT_HW_BRANCH_MISSES,
	BusCycles:             unix.PERF_COUNT_HW_BUS_CYCLES,
	StalledCyclesFrontend: unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND,
	StalledCyclesBackend:  unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND,
	RefCPUCycles:          unix.PERF_COUNT_HW_REF_CPU_CYCLES,
}

var softwareEvents = map[Type]uint64{
	CPUClock:        unix.PERF_COUNT_SW_CPU_CLOCK,
	TaskClock:       unix.PERF_COUNT_SW_TASK_CLOCK,
	PageFaults:      unix.PERF_COUNT_SW_PAGE_FAULTS,
	ContextSwitches: unix.PERF_COUNT_SW_CONTEXT_SWITCHES,
	CPUMigrations:   unix.PERF_COUNT_SW_CPU_MIGRATIONS,
	PageFaultsMin:   unix.PERF_COUNT_SW_PAGE_FAULTS_MIN,
	PageFaultsMaj:   unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ,
	AlignmentFaults: unix.PERF_COUNT_SW_ALIGNMENT_FAULTS,
	EmulationFaults: unix.PERF_COUNT_SW_EMULATION_FAULTS,
	Dummy:           unix.PERF_COUNT_SW_DUMMY,
}

var cacheEvents = map[Type]uint64{
	L1DataCacheLoadMisses:        cache(unix.PERF_COUNT_HW_CACHE_L1D, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	L1DataCacheStoreMisses:       cache(unix.PERF_COUNT_HW_CACHE_L1D, unix.PERF_COUNT_HW_CACHE_OP_WRITE, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	L1InstructionCacheLoadMisses: cache(unix.PERF_COUNT_HW_CACHE_L1I, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	LLCacheLoadMisses:            cache(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	LLCacheStoreMisses:           cache(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_OP_WRITE, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	DataTLBLoadMisses:            cache(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
	InstructionTLBLoadMisses:     cache(unix.PERF_COUNT_HW_CACHE_ITLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS),
}

var aliases = map[string]Type{
	"cycles":           CPUCycles,
	"cpu-cycles":       CPUCycles,
	"instructions":     CPUInstructions,
	"cache-references": CacheReferences,
	"cache-misses":     CacheMisses,
	"branches":         BranchInstructions,
	"branch-misses":    BranchMisses,
	"cpu-clock":        CPUClock,
	"task-clock":       TaskClock,
	"page-faults":      PageFaults,
	"context-switches": ContextSwitches,
	"cpu-migrations":   CPUMigrations,
}

// ParseType accepts both the Type names and the perf tool spelling.
// Tracepoints are written as "tracepoint:<category>:<name>" and the
// "<category>:<name>" part is returned as the second value.
func ParseType(name string) (Type, string, error) {
	if rest, ok := strings.CutPrefix(name, "tracepoint:"); ok {
		if strings.Count(rest, ":") != 1 {
			return "", "", fmt.Errorf("malformed tracepoint %q, expected tracepoint:<category>:<name>", name)
		}
		return Tracepoint, rest, nil
	}

	if typ, ok := aliases[name]; ok {
		return typ, "", nil
	}

	typ := Type(name)
	if _, ok := hardwareEvents[typ]; ok {
		return typ, "", nil
	}
	if _, ok := softwareEvents[typ]; ok {
		return typ, "", nil
	}
	if _, ok := cacheEvents[typ]; ok {
		return typ, "", nil
	}
	return "", "", fmt.Errorf("unsupported perf event type %q", name)
}

// Hardware reports whether the event needs a hardware PMU.
func (t Type) Hardware() bool {
	_, hw := hardwareEvents[t]
	_, hwc := cacheEvents[t]
	return hw || hwc || t == Breakpoint
}
