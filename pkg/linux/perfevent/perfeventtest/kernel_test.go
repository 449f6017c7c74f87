package perfeventtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOnOpenCallbackMayUseKernel(t *testing.T) {
	k := NewKernel()

	var seen []OpenCall
	var openFDs []int
	k.OnOpen(func(ev *Event) {
		seen = append(seen, ev.Call())
		openFDs = append(openFDs, k.OpenFDs())
	})

	attr := unix.PerfEventAttr{Type: unix.PERF_TYPE_SOFTWARE}
	leader, err := k.PerfEventOpen(&attr, -1, 0, -1, 0)
	require.NoError(t, err)
	member, err := k.PerfEventOpen(&attr, -1, 0, leader, 0)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.False(t, seen[0].Member())
	require.True(t, seen[1].Member())
	require.Equal(t, leader, seen[1].GroupFD)
	require.Equal(t, []int{1, 2}, openFDs)

	require.NoError(t, k.Close(member))
	require.NoError(t, k.Close(leader))
	require.NoError(t, k.CheckClean())
}

func TestGroupNeedsOpenLeader(t *testing.T) {
	k := NewKernel()
	attr := unix.PerfEventAttr{Type: unix.PERF_TYPE_SOFTWARE}

	_, err := k.PerfEventOpen(&attr, -1, 0, 42, 0)
	require.ErrorIs(t, err, unix.EBADF)

	leader, err := k.PerfEventOpen(&attr, -1, 0, -1, 0)
	require.NoError(t, err)
	require.NoError(t, k.Close(leader))

	_, err = k.PerfEventOpen(&attr, -1, 0, leader, 0)
	require.ErrorIs(t, err, unix.EBADF)
	require.Len(t, k.Calls(), 3)
	require.NoError(t, k.CheckClean())
}

func TestDescriptorsAreReused(t *testing.T) {
	k := NewKernel()
	attr := unix.PerfEventAttr{Type: unix.PERF_TYPE_SOFTWARE}

	first, err := k.PerfEventOpen(&attr, 1, -1, -1, 0)
	require.NoError(t, err)
	require.NoError(t, k.Close(first))

	second, err := k.PerfEventOpen(&attr, 1, -1, -1, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, k.Events(), 2)
	require.NoError(t, k.Close(second))
}
