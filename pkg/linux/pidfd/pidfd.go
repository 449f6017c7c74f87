package pidfd

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yandex/perftrace/pkg/linux"
)

// FD is a process file descriptor. It becomes readable once the process exits.
type FD struct {
	fd  int
	pid linux.ProcessID
}

func Open(pid linux.ProcessID) (*FD, error) {
	flags := 0
	fd, err := unix.PidfdOpen(int(pid), flags)
	if err != nil {
		return nil, fmt.Errorf("failed to open pidfd for process %d: %w", pid, err)
	}
	return &FD{fd: fd, pid: pid}, nil
}

func (fd *FD) PID() linux.ProcessID {
	return fd.pid
}

func (fd *FD) Close() error {
	return unix.Close(fd.fd)
}

func (fd *FD) SendSignal(sig unix.Signal) error {
	flags := 0
	var siginfo *unix.Siginfo
	return unix.PidfdSendSignal(fd.fd, sig, siginfo, flags)
}

// Exited waits up to timeout for the process to exit. Zero timeout polls once.
func (fd *FD) Exited(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to poll pidfd of process %d: %w", fd.pid, err)
		}
		return n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0, nil
	}
}
