package linux

type ProcessID int32

type ThreadID int32

// CurrentProcess is the perf_event_open pid value selecting the calling thread.
const CurrentProcess ProcessID = 0

// AnyProcess is the perf_event_open pid value for CPU-wide monitoring.
const AnyProcess ProcessID = -1
