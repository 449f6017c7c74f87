package perfevent

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorClass groups perf_event_open failures by how callers should react.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	// Not allowed to observe the target, e.g. perf_event_paranoid.
	ClassPermission
	// Out of descriptors, locked memory or counters. Worth one retry.
	ClassScarcity
	// The attribute combination is not supported by the kernel or the PMU.
	ClassUnsupported
	// The target has exited.
	ClassGone
)

func (c ErrorClass) String() string {
	switch c {
	case ClassPermission:
		return "permission"
	case ClassScarcity:
		return "scarcity"
	case ClassUnsupported:
		return "unsupported"
	case ClassGone:
		return "gone"
	default:
		return "other"
	}
}

// Classify maps an errno found in the chain of err to its class.
func Classify(err error) ErrorClass {
	var acquireErr *AcquireError
	if errors.As(err, &acquireErr) {
		return acquireErr.Class
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ClassOther
	}

	switch errno {
	case unix.EACCES, unix.EPERM:
		return ClassPermission
	case unix.EMFILE, unix.ENFILE, unix.ENOMEM, unix.EBUSY, unix.EAGAIN:
		return ClassScarcity
	case unix.EINVAL, unix.EOPNOTSUPP, unix.ENOENT, unix.ENODEV, unix.E2BIG:
		return ClassUnsupported
	case unix.ESRCH:
		return ClassGone
	default:
		return ClassOther
	}
}

type AcquireError struct {
	Class  ErrorClass
	Target Target
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("failed to acquire perf event for %s (%s): %v", e.Target, e.Class, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

var ErrReleased = errors.New("perf event handle is released")
