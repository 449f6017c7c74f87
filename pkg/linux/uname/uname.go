package uname

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type Uname struct {
	SystemName string
	NodeName   string
	Release    string
	Version    string
	Machine    string
}

func Load() (*Uname, error) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return nil, fmt.Errorf("failed to call uname: %w", err)
	}

	return &Uname{
		SystemName: unix.ByteSliceToString(utsname.Sysname[:]),
		NodeName:   unix.ByteSliceToString(utsname.Nodename[:]),
		Release:    unix.ByteSliceToString(utsname.Release[:]),
		Version:    unix.ByteSliceToString(utsname.Version[:]),
		Machine:    unix.ByteSliceToString(utsname.Machine[:]),
	}, nil
}
