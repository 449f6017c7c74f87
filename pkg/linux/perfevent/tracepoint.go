package perfevent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

var tracefsRoots = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

// DefaultTraceFS returns the first mounted tracefs.
func DefaultTraceFS() (fs.FS, error) {
	for _, root := range tracefsRoots {
		if _, err := os.Stat(root + "/events"); err == nil {
			return os.DirFS(root), nil
		}
	}
	return nil, fmt.Errorf("tracefs is not mounted at any of %v", tracefsRoots)
}

// TracepointID reads the id of "<category>:<name>" from tracefs.
func TracepointID(tracefs fs.FS, tracepoint string) (uint64, error) {
	category, name, ok := strings.Cut(tracepoint, ":")
	if !ok || category == "" || name == "" {
		return 0, fmt.Errorf("malformed tracepoint name %q", tracepoint)
	}

	path := fmt.Sprintf("events/%s/%s/id", category, name)
	data, err := fs.ReadFile(tracefs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("tracepoint %s does not exist: %w", tracepoint, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse tracepoint id %q: %w", data, err)
	}
	return id, nil
}
