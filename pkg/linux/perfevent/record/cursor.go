package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var byteOrder = binary.NativeEndian

// cursor walks a record body. The first overrun sticks as err.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.remaining() < n {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, c.off, c.remaining())
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return byteOrder.Uint64(b)
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return byteOrder.Uint32(b)
}

func (c *cursor) u64Cond(cond bool, v *uint64) {
	if cond {
		*v = c.u64()
	}
}

func (c *cursor) u32PairCond(cond bool, a, b *uint32) {
	if cond {
		*a = c.u32()
		*b = c.u32()
	}
}

// bytes returns a copy: the ring memory is reused once the tail advances.
func (c *cursor) bytes(n int) []byte {
	b := c.take(n)
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}

func (c *cursor) cstring(n int) string {
	b := c.take(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

////////////////////////////////////////////////////////////////////////////////

type writer struct {
	buf []byte
}

func (w *writer) u64(v uint64) {
	w.buf = byteOrder.AppendUint64(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = byteOrder.AppendUint32(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = byteOrder.AppendUint16(w.buf, v)
}

func (w *writer) u64Cond(cond bool, v uint64) {
	if cond {
		w.u64(v)
	}
}

func (w *writer) u32PairCond(cond bool, a, b uint32) {
	if cond {
		w.u32(a)
		w.u32(b)
	}
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// cstring writes s with a terminating NUL padded to 8 bytes.
func (w *writer) cstring(s string) {
	w.buf = append(w.buf, s...)
	n := len(s) + 1
	padded := (n + 7) &^ 7
	w.buf = append(w.buf, make([]byte, padded-len(s))...)
}
