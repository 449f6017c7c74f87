package cpulist

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
)

const (
	cpulistConfigured = "devices/system/cpu/possible"
	cpulistOnline     = "devices/system/cpu/online"
)

////////////////////////////////////////////////////////////////////////////////

// Sysfs reads CPU lists from a sysfs tree.
type Sysfs struct {
	fs fs.FS
}

func NewSysfs(fsys fs.FS) *Sysfs {
	return &Sysfs{fs: fsys}
}

// Default returns the provider backed by the host /sys.
func Default() *Sysfs {
	return NewSysfs(os.DirFS("/sys"))
}

func (s *Sysfs) OnlineCPUs() ([]int, error) {
	return s.read(cpulistOnline)
}

func (s *Sysfs) ConfiguredCPUs() ([]int, error) {
	return s.read(cpulistConfigured)
}

func (s *Sysfs) read(path string) ([]int, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cpus, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return Normalize(cpus), nil
}

////////////////////////////////////////////////////////////////////////////////

func ListOnlineCPUs() ([]int, error) {
	return Default().OnlineCPUs()
}

func ListConfiguredCPUs() ([]int, error) {
	return Default().ConfiguredCPUs()
}

// Parse parses the kernel cpulist syntax, e.g. "0-4,7,9-11".
// The result keeps repetitions and order of the input.
func Parse(list string) ([]int, error) {
	return parse(strings.NewReader(list))
}

// Normalize sorts the list and removes duplicates.
func Normalize(cpus []int) []int {
	res := slices.Clone(cpus)
	slices.Sort(res)
	return slices.Compact(res)
}

// Format renders a sorted list in the cpulist syntax.
func Format(cpus []int) string {
	cpus = Normalize(cpus)

	var sb strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if i == j {
			sb.WriteString(strconv.Itoa(cpus[i]))
		} else {
			fmt.Fprintf(&sb, "%d-%d", cpus[i], cpus[j])
		}
		i = j + 1
	}
	return sb.String()
}

func parse(r io.Reader) ([]int, error) {
	res := []int{}

	br := bufio.NewScanner(r)
	for br.Scan() {
		line := strings.TrimSpace(br.Text())
		if line == "" {
			continue
		}

		for _, part := range strings.Split(line, ",") {
			if index := strings.IndexByte(part, '-'); index != -1 {
				first, err := strconv.Atoi(part[:index])
				if err != nil {
					return nil, err
				}
				last, err := strconv.Atoi(part[index+1:])
				if err != nil {
					return nil, err
				}
				if last < first {
					return nil, fmt.Errorf("malformed cpu range %q", part)
				}
				for first <= last {
					res = append(res, first)
					first++
				}
			} else {
				cpu, err := strconv.Atoi(part)
				if err != nil {
					return nil, err
				}
				res = append(res, cpu)
			}
		}
	}

	if err := br.Err(); err != nil {
		return nil, err
	}

	return res, nil
}
