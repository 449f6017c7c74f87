package perfevent

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the system call surface the registry needs.
type Kernel interface {
	PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error)
	EventID(fd int) (uint64, error)
	Enable(fd int) error
	Disable(fd int) error
	Mmap(fd int, length int) ([]byte, error)
	Munmap(mem []byte) error
	Close(fd int) error
	PageSize() int
}

// SystemKernel issues real system calls.
type SystemKernel struct{}

var _ Kernel = SystemKernel{}

func (SystemKernel) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFD, flags)
}

func (SystemKernel) EventID(fd int) (id uint64, err error) {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_ID, uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		err = errno
		return
	}
	return id, nil
}

// Start generating events.
func (SystemKernel) Enable(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 1)
}

// Stop generating events.
func (SystemKernel) Disable(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 1)
}

func (SystemKernel) Mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (SystemKernel) Munmap(mem []byte) error {
	return unix.Munmap(mem)
}

func (SystemKernel) Close(fd int) error {
	return unix.Close(fd)
}

func (SystemKernel) PageSize() int {
	return os.Getpagesize()
}
