package procfs

import (
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"

	"github.com/yandex/perftrace/pkg/linux"
)

type ProcFS struct {
	fs fs.FS
}

func NewProcFS(fsys fs.FS) *ProcFS {
	return &ProcFS{fs: fsys}
}

// FS returns the procfs of the current mount namespace.
func FS() *ProcFS {
	return NewProcFS(os.DirFS("/proc"))
}

func (f *ProcFS) Process(pid linux.ProcessID) *Process {
	return &Process{fs: f.fs, pid: pid}
}

func (f *ProcFS) Self() *Process {
	return &Process{fs: f.fs, self: true}
}

// ListProcesses returns the ids of every process visible in the procfs, sorted.
func (f *ProcFS) ListProcesses() ([]linux.ProcessID, error) {
	entries, err := fs.ReadDir(f.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return numericEntries[linux.ProcessID](entries), nil
}

// Children returns the direct children of pid, sorted.
func (f *ProcFS) Children(pid linux.ProcessID) ([]linux.ProcessID, error) {
	pids, err := f.ListProcesses()
	if err != nil {
		return nil, err
	}

	children := make([]linux.ProcessID, 0)
	for _, candidate := range pids {
		if candidate == pid {
			continue
		}
		stat, err := f.Process(candidate).Stat()
		if err != nil {
			// The process may have exited after listing.
			continue
		}
		if stat.PPID == pid {
			children = append(children, candidate)
		}
	}
	return children, nil
}

// Descendants returns pid followed by all of its descendants in breadth-first order.
func (f *ProcFS) Descendants(pid linux.ProcessID) ([]linux.ProcessID, error) {
	if _, err := f.Process(pid).Stat(); err != nil {
		return nil, err
	}

	result := []linux.ProcessID{pid}
	seen := map[linux.ProcessID]bool{pid: true}
	for i := 0; i < len(result); i++ {
		children, err := f.Children(result[i])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				result = append(result, child)
			}
		}
	}
	return result, nil
}

func (f *ProcFS) Threads(pid linux.ProcessID) ([]linux.ThreadID, error) {
	return f.Process(pid).Threads()
}

// Alive reports whether pid exists and is not a zombie.
func (f *ProcFS) Alive(pid linux.ProcessID) bool {
	stat, err := f.Process(pid).Stat()
	if err != nil {
		return false
	}
	return stat.State != StateZombie && stat.State != StateDead
}

func numericEntries[ID ~int32](entries []fs.DirEntry) []ID {
	ids := make([]ID, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, ID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
