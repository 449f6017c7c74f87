package perfevent

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testPageSize = 4096

func alignedMapping(t *testing.T, pageSize, pages int) []byte {
	t.Helper()
	words := make([]uint64, (pages+1)*pageSize/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func TestRingFallsBackToPageLayout(t *testing.T) {
	mem := alignedMapping(t, testPageSize, 2)

	ring, err := NewRing(mem, testPageSize)
	require.NoError(t, err)
	require.EqualValues(t, 2*testPageSize, ring.Size())

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0]))
	meta.Data_head = 20000
	require.EqualValues(t, 20000, ring.Head())

	ring.SetTail(72)
	require.EqualValues(t, 72, meta.Data_tail)
	require.EqualValues(t, 72, ring.Tail())
}

func TestRingReadWraps(t *testing.T) {
	mem := alignedMapping(t, testPageSize, 1)
	ring, err := NewRing(mem, testPageSize)
	require.NoError(t, err)

	data := mem[testPageSize:]
	for i := range data {
		data[i] = byte(i % 251)
	}

	buf := make([]byte, 8)
	ring.Read(buf, testPageSize-4)
	require.Equal(t, []byte{data[testPageSize-4], data[testPageSize-3], data[testPageSize-2], data[testPageSize-1], 0, 1, 2, 3}, buf)

	ring.Read(buf, testPageSize+8)
	require.Equal(t, []byte{8, 9, 10, 11, 12, 13, 14, 15}, buf)
}

func TestRingRejectsBadMapping(t *testing.T) {
	_, err := NewRing(alignedMapping(t, 64, 4), 64)
	require.Error(t, err, "metadata page does not fit")

	_, err = NewRing(alignedMapping(t, testPageSize, 0), testPageSize)
	require.Error(t, err, "no data pages")

	mem := alignedMapping(t, testPageSize, 3)
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0]))
	meta.Data_offset = testPageSize
	meta.Data_size = 3 * testPageSize
	_, err = NewRing(mem, testPageSize)
	require.Error(t, err, "data size is not a power of two")
}

func TestRingPeek(t *testing.T) {
	mem := alignedMapping(t, testPageSize, 1)
	ring, err := NewRing(mem, testPageSize)
	require.NoError(t, err)

	data := mem[testPageSize:]
	for i := range data {
		data[i] = byte(i)
	}

	var scratch []byte
	view := ring.Peek(16, 4, &scratch)
	require.Equal(t, []byte{16, 17, 18, 19}, view)
	require.Nil(t, scratch, "contiguous ranges must not be copied")

	view = ring.Peek(testPageSize-2, 4, &scratch)
	require.Equal(t, []byte{data[testPageSize-2], data[testPageSize-1], 0, 1}, view)
	require.Len(t, scratch, 4)
}
