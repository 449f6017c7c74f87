package target

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/linux/cpulist"
)

var ErrEmptyScope = errors.New("scope has no targets")

// Topology lists the online CPUs in ascending order.
type Topology interface {
	OnlineCPUs() ([]int, error)
}

// ProcessTree is the view of running processes needed to follow a process tree.
type ProcessTree interface {
	Descendants(pid linux.ProcessID) ([]linux.ProcessID, error)
	Threads(pid linux.ProcessID) ([]linux.ThreadID, error)
	Alive(pid linux.ProcessID) bool
}

type ScopeKind string

const (
	ScopeSystem  ScopeKind = "system"
	ScopeCPUs    ScopeKind = "cpus"
	ScopeProcess ScopeKind = "process"
)

type Scope struct {
	Kind ScopeKind
	// For ScopeCPUs.
	CPUs []int
	// For ScopeProcess.
	PID linux.ProcessID
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeCPUs:
		return fmt.Sprintf("cpus %s", cpulist.Format(s.CPUs))
	case ScopeProcess:
		return fmt.Sprintf("process %d", s.PID)
	default:
		return string(s.Kind)
	}
}

type Enumerator struct {
	topology Topology
	procs    ProcessTree
}

func NewEnumerator(topology Topology, procs ProcessTree) *Enumerator {
	return &Enumerator{topology: topology, procs: procs}
}

// Enumerate computes the initial targets of scope, sorted by Key.
func (e *Enumerator) Enumerate(scope Scope) ([]Target, error) {
	switch scope.Kind {
	case ScopeSystem:
		cpus, err := e.topology.OnlineCPUs()
		if err != nil {
			return nil, fmt.Errorf("failed to list online cpus: %w", err)
		}
		return cpuTargets(cpus)

	case ScopeCPUs:
		online, err := e.topology.OnlineCPUs()
		if err != nil {
			return nil, fmt.Errorf("failed to list online cpus: %w", err)
		}
		return cpuTargets(Intersect(cpulist.Normalize(scope.CPUs), online))

	case ScopeProcess:
		return e.processTargets(scope.PID)

	default:
		return nil, fmt.Errorf("unknown scope %q", scope.Kind)
	}
}

func (e *Enumerator) processTargets(root linux.ProcessID) ([]Target, error) {
	pids, err := e.procs.Descendants(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk process tree of %d: %w", root, err)
	}

	targets := make([]Target, 0, len(pids))
	for _, pid := range pids {
		threads, err := e.procs.Threads(pid)
		if err != nil {
			if pid == root {
				return nil, fmt.Errorf("failed to list threads of %d: %w", pid, err)
			}
			// A descendant exited while walking the tree.
			continue
		}
		for _, tid := range threads {
			targets = append(targets, Thread(pid, tid))
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("process %d: %w", root, ErrEmptyScope)
	}
	Sort(targets)
	return targets, nil
}

// RootAlive reports whether the root of a process scope is still running.
func (e *Enumerator) RootAlive(pid linux.ProcessID) bool {
	return e.procs.Alive(pid)
}

func cpuTargets(cpus []int) ([]Target, error) {
	if len(cpus) == 0 {
		return nil, ErrEmptyScope
	}
	targets := make([]Target, len(cpus))
	for i, cpu := range cpus {
		targets[i] = CPU(cpu)
	}
	return targets, nil
}

func Sort(targets []Target) {
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Key() < targets[j].Key()
	})
}

// Group splits targets into consecutive groups of at most size targets.
func Group(targets []Target, size int) [][]Target {
	if size <= 0 {
		size = 1
	}
	groups := make([][]Target, 0, (len(targets)+size-1)/size)
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		groups = append(groups, targets[start:end:end])
	}
	return groups
}

// Intersect returns the sorted CPUs present in both lists.
func Intersect(requested, online []int) []int {
	present := make(map[int]bool, len(online))
	for _, cpu := range online {
		present[cpu] = true
	}
	result := make([]int, 0, len(requested))
	for _, cpu := range cpulist.Normalize(requested) {
		if present[cpu] {
			result = append(result, cpu)
		}
	}
	return result
}

// Added returns the CPUs of online that are not in known, sorted.
func Added(known, online []int) []int {
	seen := make(map[int]bool, len(known))
	for _, cpu := range known {
		seen[cpu] = true
	}
	added := make([]int, 0)
	for _, cpu := range cpulist.Normalize(online) {
		if !seen[cpu] {
			added = append(added, cpu)
		}
	}
	return added
}
