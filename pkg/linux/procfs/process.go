package procfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux"
)

type Address = uint64

type Device struct {
	Maj uint32
	Min uint32
}

func (d Device) Mkdev() uint64 {
	return unix.Mkdev(d.Maj, d.Min)
}

type MappingPermissions int

const (
	MappingPermissionNone       MappingPermissions = 0
	MappingPermissionPrivate    MappingPermissions = 1 << 0
	MappingPermissionShared     MappingPermissions = 1 << 1
	MappingPermissionExecutable MappingPermissions = 1 << 2
	MappingPermissionWriteable  MappingPermissions = 1 << 3
	MappingPermissionReadable   MappingPermissions = 1 << 4

	MappingPermissionRXP = MappingPermissionReadable | MappingPermissionExecutable | MappingPermissionPrivate
	MappingPermissionRWP = MappingPermissionReadable | MappingPermissionWriteable | MappingPermissionPrivate
)

// Prot converts permissions to PROT_* bits.
func (p MappingPermissions) Prot() uint32 {
	var prot uint32
	if p&MappingPermissionReadable != 0 {
		prot |= unix.PROT_READ
	}
	if p&MappingPermissionWriteable != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&MappingPermissionExecutable != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Flags converts permissions to MAP_* bits.
func (p MappingPermissions) Flags() uint32 {
	if p&MappingPermissionShared != 0 {
		return unix.MAP_SHARED
	}
	return unix.MAP_PRIVATE
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	// [Begin, End) in the virtual address space of the process.
	Begin       Address
	End         Address
	Permissions MappingPermissions
	Offset      uint64
	Device      Device
	Inode       uint64
	// Backing file, pseudo path like [vdso] or empty for anonymous memory.
	Path string
}

type ProcessState byte

const (
	StateRunning  ProcessState = 'R'
	StateSleeping ProcessState = 'S'
	StateZombie   ProcessState = 'Z'
	StateDead     ProcessState = 'X'
)

type Stat struct {
	PID   linux.ProcessID
	Comm  string
	State ProcessState
	PPID  linux.ProcessID
}

////////////////////////////////////////////////////////////////////////////////

type Process struct {
	fs   fs.FS
	pid  linux.ProcessID
	self bool
}

func (p *Process) child(name string) string {
	if p.self {
		return "self/" + name
	}
	return fmt.Sprintf("%d/%s", p.pid, name)
}

// Threads lists the thread ids of the process, sorted.
func (p *Process) Threads() ([]linux.ThreadID, error) {
	path := p.child("task")
	entries, err := fs.ReadDir(p.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	return numericEntries[linux.ThreadID](entries), nil
}

func (p *Process) Stat() (*Stat, error) {
	path := p.child("stat")
	data, err := fs.ReadFile(p.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	stat, err := parseStat(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return stat, nil
}

// parseStat reads the leading fields of /proc/<pid>/stat.
// The comm field may contain spaces and parentheses, so it ends at the last ')'.
func parseStat(data []byte) (*Stat, error) {
	open := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if open < 0 || end < open {
		return nil, fmt.Errorf("malformed stat line %q", string(data))
	}

	pid, err := strconv.ParseInt(string(bytes.TrimSpace(data[:open])), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed pid: %w", err)
	}

	rest := bytes.Fields(data[end+1:])
	if len(rest) < 2 || len(rest[0]) != 1 {
		return nil, fmt.Errorf("malformed stat line %q", string(data))
	}

	ppid, err := strconv.ParseInt(string(rest[1]), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed ppid: %w", err)
	}

	return &Stat{
		PID:   linux.ProcessID(pid),
		Comm:  string(data[open+1 : end]),
		State: ProcessState(rest[0][0]),
		PPID:  linux.ProcessID(ppid),
	}, nil
}

func (p *Process) ListMappings(callback func(m *Mapping) error) error {
	path := p.child("maps")

	f, err := p.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		var mapping Mapping
		if err := ParseMapping(&mapping, s.Bytes()); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := callback(&mapping); err != nil {
			return err
		}
	}
	return s.Err()
}
