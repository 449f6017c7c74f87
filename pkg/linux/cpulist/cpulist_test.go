package cpulist

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cpus, err := Parse(`0-4,7-13,8,9,10`)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4, 7, 8, 9, 10, 11, 12, 13, 8, 9, 10}, cpus)

	_, err = Parse("3-1")
	require.Error(t, err)

	_, err = Parse("a")
	require.Error(t, err)
}

func TestFormat(t *testing.T) {
	for _, test := range []struct {
		cpus     []int
		expected string
	}{
		{nil, ""},
		{[]int{0}, "0"},
		{[]int{3, 1, 2, 0}, "0-3"},
		{[]int{0, 1, 2, 5, 7, 8, 8}, "0-2,5,7-8"},
	} {
		require.Equal(t, test.expected, Format(test.cpus))
	}
}

func TestSysfsOnline(t *testing.T) {
	fsys := fstest.MapFS{
		"devices/system/cpu/online":   &fstest.MapFile{Data: []byte("0-2,2,6\n")},
		"devices/system/cpu/possible": &fstest.MapFile{Data: []byte("0-7\n")},
	}

	s := NewSysfs(fsys)

	online, err := s.OnlineCPUs()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 6}, online)

	configured, err := s.ConfiguredCPUs()
	require.NoError(t, err)
	require.Len(t, configured, 8)

	_, err = NewSysfs(fstest.MapFS{}).OnlineCPUs()
	require.Error(t, err)
}
