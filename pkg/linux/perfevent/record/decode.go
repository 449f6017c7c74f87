package record

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNeedMoreData means the slice ends inside a record. It is not a
	// failure: the kernel may still be writing the rest.
	ErrNeedMoreData = errors.New("record is incomplete")

	// ErrMalformed means the bytes cannot be a valid record.
	ErrMalformed = errors.New("malformed record")
)

type Decoder struct {
	layout Layout
}

func NewDecoder(layout Layout) (*Decoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{layout: layout}, nil
}

func (d *Decoder) Layout() Layout {
	return d.layout
}

// PeekHeader parses the record header at the start of buf.
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrNeedMoreData
	}
	h := Header{
		Type: Type(byteOrder.Uint32(buf[0:4])),
		Misc: byteOrder.Uint16(buf[4:6]),
		Size: byteOrder.Uint16(buf[6:8]),
	}
	if h.Size < HeaderSize {
		return h, fmt.Errorf("%w: declared size %d is below header size", ErrMalformed, h.Size)
	}
	return h, nil
}

// Decode parses the first record of buf and returns the number of bytes it occupies.
// Nothing is consumed unless the whole record is present.
func (d *Decoder) Decode(buf []byte) (Record, int, error) {
	h, err := PeekHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if int(h.Size) > len(buf) {
		return nil, 0, ErrNeedMoreData
	}

	c := &cursor{buf: buf[HeaderSize:h.Size]}
	rec := d.decodeBody(h, c)
	if c.err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s record: %w", h.Type, c.err)
	}
	return rec, int(h.Size), nil
}

// DecodeAll decodes consecutive records until the data runs out.
// A truncated trailing record is left unconsumed.
func (d *Decoder) DecodeAll(buf []byte) ([]Record, int, error) {
	var records []Record
	consumed := 0
	for consumed < len(buf) {
		rec, n, err := d.Decode(buf[consumed:])
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if err != nil {
			return records, consumed, err
		}
		records = append(records, rec)
		consumed += n
	}
	return records, consumed, nil
}

func (d *Decoder) decodeBody(h Header, c *cursor) Record {
	switch h.Type {
	case TypeSample:
		return d.decodeSample(h, c)

	case TypeFork, TypeExit:
		t := &Task{Header: h}
		t.PID = c.u32()
		t.PPID = c.u32()
		t.TID = c.u32()
		t.PTID = c.u32()
		t.Time = c.u64()
		t.SampleID = d.decodeSampleID(c)
		return t

	case TypeMmap, TypeMmap2:
		m := &Mmap{Header: h}
		m.PID = c.u32()
		m.TID = c.u32()
		m.Addr = c.u64()
		m.Len = c.u64()
		m.PgOff = c.u64()
		if h.Type == TypeMmap2 {
			m.Maj = c.u32()
			m.Min = c.u32()
			m.Ino = c.u64()
			m.InoGeneration = c.u64()
			m.Prot = c.u32()
			m.Flags = c.u32()
		}
		m.Filename = c.cstring(c.remaining() - d.layout.sampleIDSize())
		m.SampleID = d.decodeSampleID(c)
		return m

	case TypeLost:
		l := &Lost{Header: h}
		l.ID = c.u64()
		l.Lost = c.u64()
		l.SampleID = d.decodeSampleID(c)
		return l

	case TypeLostSamples:
		l := &Lost{Header: h}
		l.Lost = c.u64()
		l.SampleID = d.decodeSampleID(c)
		return l

	case TypeComm:
		r := &Comm{Header: h}
		r.PID = c.u32()
		r.TID = c.u32()
		r.Comm = c.cstring(c.remaining() - d.layout.sampleIDSize())
		r.SampleID = d.decodeSampleID(c)
		return r

	case TypeThrottle, TypeUnthrottle:
		t := &Throttle{Header: h}
		t.Time = c.u64()
		t.ID = c.u64()
		t.StreamID = c.u64()
		t.SampleID = d.decodeSampleID(c)
		return t

	case TypeRead:
		r := &Read{Header: h}
		r.PID = c.u32()
		r.TID = c.u32()
		r.Values = d.decodeReadValues(c)
		r.SampleID = d.decodeSampleID(c)
		return r

	case TypeSwitch, TypeSwitchCPUWide:
		s := &Switch{Header: h}
		if h.Type == TypeSwitchCPUWide {
			s.NextPrevPID = c.u32()
			s.NextPrevTID = c.u32()
		}
		s.SampleID = d.decodeSampleID(c)
		return s

	default:
		return &Unknown{Header: h, Data: c.bytes(c.remaining())}
	}
}

func (d *Decoder) decodeSampleID(c *cursor) (id SampleID) {
	if !d.layout.SampleIDAll {
		return
	}
	l := d.layout
	c.u32PairCond(l.has(unix.PERF_SAMPLE_TID), &id.PID, &id.TID)
	c.u64Cond(l.has(unix.PERF_SAMPLE_TIME), &id.Time)
	c.u64Cond(l.has(unix.PERF_SAMPLE_ID), &id.ID)
	c.u64Cond(l.has(unix.PERF_SAMPLE_STREAM_ID), &id.StreamID)
	c.u32PairCond(l.has(unix.PERF_SAMPLE_CPU), &id.CPU, &id.Res)
	c.u64Cond(l.has(unix.PERF_SAMPLE_IDENTIFIER), &id.Identifier)
	return
}

func (d *Decoder) decodeSample(h Header, c *cursor) *Sample {
	l := d.layout
	s := &Sample{Header: h}

	c.u64Cond(l.has(unix.PERF_SAMPLE_IDENTIFIER), &s.Identifier)
	c.u64Cond(l.has(unix.PERF_SAMPLE_IP), &s.IP)
	c.u32PairCond(l.has(unix.PERF_SAMPLE_TID), &s.PID, &s.TID)
	c.u64Cond(l.has(unix.PERF_SAMPLE_TIME), &s.Time)
	c.u64Cond(l.has(unix.PERF_SAMPLE_ADDR), &s.Addr)
	c.u64Cond(l.has(unix.PERF_SAMPLE_ID), &s.ID)
	c.u64Cond(l.has(unix.PERF_SAMPLE_STREAM_ID), &s.StreamID)
	c.u32PairCond(l.has(unix.PERF_SAMPLE_CPU), &s.CPU, &s.Res)
	c.u64Cond(l.has(unix.PERF_SAMPLE_PERIOD), &s.Period)

	if l.has(unix.PERF_SAMPLE_READ) {
		values := d.decodeReadValues(c)
		s.Read = &values
		if c.err != nil {
			return s
		}
	}

	if l.has(unix.PERF_SAMPLE_CALLCHAIN) {
		nr := c.u64()
		if nr > uint64(c.remaining()/8) {
			c.err = fmt.Errorf("%w: callchain of %d entries does not fit", ErrMalformed, nr)
			return s
		}
		s.Callchain = make([]uint64, nr)
		for i := range s.Callchain {
			s.Callchain[i] = c.u64()
		}
	}

	if l.has(unix.PERF_SAMPLE_RAW) {
		size := c.u32()
		s.Raw = c.bytes(int(size))
	}

	if l.has(unix.PERF_SAMPLE_REGS_USER) {
		s.RegsABI = c.u64()
		if s.RegsABI != 0 {
			s.Regs = make([]uint64, l.regsCount())
			for i := range s.Regs {
				s.Regs[i] = c.u64()
			}
		}
	}

	if l.has(unix.PERF_SAMPLE_STACK_USER) {
		size := c.u64()
		if size > uint64(c.remaining()) {
			c.err = fmt.Errorf("%w: user stack of %d bytes does not fit", ErrMalformed, size)
			return s
		}
		s.StackUser = c.bytes(int(size))
		if size != 0 {
			s.StackDynSize = c.u64()
		}
	}

	return s
}

func (d *Decoder) decodeReadValues(c *cursor) (r ReadValues) {
	l := d.layout
	if !l.reads(ReadFormatGroup) {
		v := CounterValue{Value: c.u64()}
		c.u64Cond(l.reads(ReadFormatTotalTimeEnabled), &r.TimeEnabled)
		c.u64Cond(l.reads(ReadFormatTotalTimeRunning), &r.TimeRunning)
		c.u64Cond(l.reads(ReadFormatID), &v.ID)
		c.u64Cond(l.reads(ReadFormatLost), &v.Lost)
		r.Values = []CounterValue{v}
		return
	}

	nr := c.u64()
	c.u64Cond(l.reads(ReadFormatTotalTimeEnabled), &r.TimeEnabled)
	c.u64Cond(l.reads(ReadFormatTotalTimeRunning), &r.TimeRunning)
	if nr > uint64(c.remaining()/(8*l.counterWords())) {
		c.err = fmt.Errorf("%w: group of %d counters does not fit", ErrMalformed, nr)
		return
	}
	r.Values = make([]CounterValue, nr)
	for i := range r.Values {
		v := &r.Values[i]
		v.Value = c.u64()
		c.u64Cond(l.reads(ReadFormatID), &v.ID)
		c.u64Cond(l.reads(ReadFormatLost), &v.Lost)
	}
	return
}
