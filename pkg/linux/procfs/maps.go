package procfs

import (
	"bytes"
	"fmt"
	"strconv"
)

// ParseMapping parses one line of /proc/<pid>/maps:
//
//	address           perms offset  dev   inode       pathname
//	00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
func ParseMapping(mapping *Mapping, line []byte) error {
	fields := bytes.SplitN(bytes.TrimLeft(line, " "), []byte{' '}, 6)
	if len(fields) < 5 {
		return fmt.Errorf("malformed mapping %q", string(line))
	}

	begin, end, ok := bytes.Cut(fields[0], []byte{'-'})
	if !ok {
		return fmt.Errorf("malformed address range in %q", string(line))
	}

	var err error
	if mapping.Begin, err = parseHex(begin); err != nil {
		return fmt.Errorf("failed to parse mapping begin in %q: %w", string(line), err)
	}
	if mapping.End, err = parseHex(end); err != nil {
		return fmt.Errorf("failed to parse mapping end in %q: %w", string(line), err)
	}

	if mapping.Permissions, err = parsePermissions(fields[1]); err != nil {
		return fmt.Errorf("failed to parse permissions in %q: %w", string(line), err)
	}

	if mapping.Offset, err = parseHex(fields[2]); err != nil {
		return fmt.Errorf("failed to parse mapping offset in %q: %w", string(line), err)
	}

	major, minor, ok := bytes.Cut(fields[3], []byte{':'})
	if !ok {
		return fmt.Errorf("malformed device in %q", string(line))
	}
	deviceMaj, err := parseHex(major)
	if err != nil {
		return fmt.Errorf("failed to parse device maj in %q: %w", string(line), err)
	}
	deviceMin, err := parseHex(minor)
	if err != nil {
		return fmt.Errorf("failed to parse device min in %q: %w", string(line), err)
	}
	mapping.Device = Device{Maj: uint32(deviceMaj), Min: uint32(deviceMin)}

	if mapping.Inode, err = strconv.ParseUint(string(fields[4]), 10, 64); err != nil {
		return fmt.Errorf("failed to parse inode in %q: %w", string(line), err)
	}

	mapping.Path = ""
	if len(fields) == 6 {
		mapping.Path = string(bytes.TrimLeft(fields[5], " "))
	}
	return nil
}

func parseHex(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 16, 64)
}

func parsePermissions(perms []byte) (MappingPermissions, error) {
	if len(perms) != 4 {
		return 0, fmt.Errorf("unexpected permissions %q", string(perms))
	}

	flags := MappingPermissionNone
	if perms[0] == 'r' {
		flags |= MappingPermissionReadable
	}
	if perms[1] == 'w' {
		flags |= MappingPermissionWriteable
	}
	if perms[2] == 'x' {
		flags |= MappingPermissionExecutable
	}
	if perms[3] == 'p' {
		flags |= MappingPermissionPrivate
	} else {
		flags |= MappingPermissionShared
	}
	return flags, nil
}
