package cpuinfo

import (
	"bufio"
	"fmt"
	"io/fs"
	"strings"
)

const UnknownModel = "Unknown CPU model"

// Model returns the first "model name" of cpuinfo inside a procfs.
// Architectures without the field yield UnknownModel.
func Model(procfs fs.FS) (string, error) {
	f, err := procfs.Open("cpuinfo")
	if err != nil {
		return "", fmt.Errorf("failed to open cpuinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "model name" {
			continue
		}
		return strings.TrimSpace(value), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read cpuinfo: %w", err)
	}
	return UnknownModel, nil
}
