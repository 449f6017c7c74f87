package perfevent

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring is a view of a mapped perf ring buffer: the metadata page followed
// by a power-of-two data area. Head and tail only ever grow; a position
// maps into the data area modulo its size.
type Ring struct {
	meta *unix.PerfEventMmapPage
	data []byte
}

func NewRing(mem []byte, pageSize int) (*Ring, error) {
	if uintptr(pageSize) < unsafe.Sizeof(unix.PerfEventMmapPage{}) || len(mem) < 2*pageSize {
		return nil, fmt.Errorf("ring mapping of %d bytes is too small for page size %d", len(mem), pageSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("ring mapping is not 8-byte aligned")
	}

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0]))

	offset := atomic.LoadUint64(&meta.Data_offset)
	size := atomic.LoadUint64(&meta.Data_size)
	if offset == 0 || size == 0 {
		// Old kernels leave these zero.
		offset = uint64(pageSize)
		size = uint64(len(mem) - pageSize)
	}
	if size&(size-1) != 0 {
		return nil, fmt.Errorf("ring data size %d is not a power of two", size)
	}
	if offset+size > uint64(len(mem)) {
		return nil, fmt.Errorf("ring data area [%d, %d) exceeds mapping of %d bytes", offset, offset+size, len(mem))
	}

	return &Ring{
		meta: meta,
		data: mem[offset : offset+size],
	}, nil
}

// Head returns the position the kernel will write next.
func (r *Ring) Head() uint64 {
	return atomic.LoadUint64(&r.meta.Data_head)
}

// Tail returns the position up to which the reader has consumed.
func (r *Ring) Tail() uint64 {
	return atomic.LoadUint64(&r.meta.Data_tail)
}

// SetTail hands the space before tail back to the kernel.
func (r *Ring) SetTail(tail uint64) {
	atomic.StoreUint64(&r.meta.Data_tail, tail)
}

func (r *Ring) Size() uint64 {
	return uint64(len(r.data))
}

// Read copies len(dst) bytes starting at pos, wrapping at the end of the data area.
func (r *Ring) Read(dst []byte, pos uint64) {
	start := pos & (r.Size() - 1)
	n := copy(dst, r.data[start:])
	if n < len(dst) {
		copy(dst[n:], r.data)
	}
}

// Peek returns n bytes at pos. The result aliases the ring unless the range
// wraps, in which case it is copied into scratch, grown as needed.
// The returned slice is valid until the tail moves past pos.
func (r *Ring) Peek(pos uint64, n int, scratch *[]byte) []byte {
	start := pos & (r.Size() - 1)
	if start+uint64(n) <= r.Size() {
		return r.data[start : start+uint64(n)]
	}
	if cap(*scratch) < n {
		*scratch = make([]byte, n)
	}
	buf := (*scratch)[:n]
	r.Read(buf, pos)
	return buf
}
