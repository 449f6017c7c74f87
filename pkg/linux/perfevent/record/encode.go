package record

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Encode renders rec the way the kernel would write it with the given layout.
// Header.Size of rec is ignored and recomputed.
func Encode(rec Record, layout Layout) ([]byte, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	h := rec.RecordHeader()
	w := &writer{buf: make([]byte, HeaderSize, 64)}

	switch r := rec.(type) {
	case *Sample:
		if err := encodeSample(w, r, layout); err != nil {
			return nil, err
		}

	case *Task:
		w.u32(r.PID)
		w.u32(r.PPID)
		w.u32(r.TID)
		w.u32(r.PTID)
		w.u64(r.Time)
		encodeSampleID(w, &r.SampleID, layout)

	case *Mmap:
		w.u32(r.PID)
		w.u32(r.TID)
		w.u64(r.Addr)
		w.u64(r.Len)
		w.u64(r.PgOff)
		if h.Type == TypeMmap2 {
			w.u32(r.Maj)
			w.u32(r.Min)
			w.u64(r.Ino)
			w.u64(r.InoGeneration)
			w.u32(r.Prot)
			w.u32(r.Flags)
		}
		w.cstring(r.Filename)
		encodeSampleID(w, &r.SampleID, layout)

	case *Lost:
		if h.Type == TypeLost {
			w.u64(r.ID)
		}
		w.u64(r.Lost)
		encodeSampleID(w, &r.SampleID, layout)

	case *Comm:
		w.u32(r.PID)
		w.u32(r.TID)
		w.cstring(r.Comm)
		encodeSampleID(w, &r.SampleID, layout)

	case *Throttle:
		w.u64(r.Time)
		w.u64(r.ID)
		w.u64(r.StreamID)
		encodeSampleID(w, &r.SampleID, layout)

	case *Read:
		w.u32(r.PID)
		w.u32(r.TID)
		if err := encodeReadValues(w, &r.Values, layout); err != nil {
			return nil, err
		}
		encodeSampleID(w, &r.SampleID, layout)

	case *Switch:
		if h.Type == TypeSwitchCPUWide {
			w.u32(r.NextPrevPID)
			w.u32(r.NextPrevTID)
		}
		encodeSampleID(w, &r.SampleID, layout)

	case *Unknown:
		w.raw(r.Data)

	default:
		return nil, fmt.Errorf("cannot encode record of type %T", rec)
	}

	if len(w.buf) > MaxRecordSize {
		return nil, fmt.Errorf("%s record of %d bytes exceeds the maximum record size", h.Type, len(w.buf))
	}
	if len(w.buf)%8 != 0 {
		return nil, fmt.Errorf("%s record of %d bytes is not 8-byte aligned", h.Type, len(w.buf))
	}

	byteOrder.PutUint32(w.buf[0:4], uint32(h.Type))
	byteOrder.PutUint16(w.buf[4:6], h.Misc)
	byteOrder.PutUint16(w.buf[6:8], uint16(len(w.buf)))
	return w.buf, nil
}

func encodeSampleID(w *writer, id *SampleID, l Layout) {
	if !l.SampleIDAll {
		return
	}
	w.u32PairCond(l.has(unix.PERF_SAMPLE_TID), id.PID, id.TID)
	w.u64Cond(l.has(unix.PERF_SAMPLE_TIME), id.Time)
	w.u64Cond(l.has(unix.PERF_SAMPLE_ID), id.ID)
	w.u64Cond(l.has(unix.PERF_SAMPLE_STREAM_ID), id.StreamID)
	w.u32PairCond(l.has(unix.PERF_SAMPLE_CPU), id.CPU, id.Res)
	w.u64Cond(l.has(unix.PERF_SAMPLE_IDENTIFIER), id.Identifier)
}

func encodeSample(w *writer, s *Sample, l Layout) error {
	w.u64Cond(l.has(unix.PERF_SAMPLE_IDENTIFIER), s.Identifier)
	w.u64Cond(l.has(unix.PERF_SAMPLE_IP), s.IP)
	w.u32PairCond(l.has(unix.PERF_SAMPLE_TID), s.PID, s.TID)
	w.u64Cond(l.has(unix.PERF_SAMPLE_TIME), s.Time)
	w.u64Cond(l.has(unix.PERF_SAMPLE_ADDR), s.Addr)
	w.u64Cond(l.has(unix.PERF_SAMPLE_ID), s.ID)
	w.u64Cond(l.has(unix.PERF_SAMPLE_STREAM_ID), s.StreamID)
	w.u32PairCond(l.has(unix.PERF_SAMPLE_CPU), s.CPU, s.Res)
	w.u64Cond(l.has(unix.PERF_SAMPLE_PERIOD), s.Period)

	if l.has(unix.PERF_SAMPLE_READ) {
		if s.Read == nil {
			return fmt.Errorf("layout requires counter values, sample has none")
		}
		if err := encodeReadValues(w, s.Read, l); err != nil {
			return err
		}
	}

	if l.has(unix.PERF_SAMPLE_CALLCHAIN) {
		w.u64(uint64(len(s.Callchain)))
		for _, ip := range s.Callchain {
			w.u64(ip)
		}
	}

	if l.has(unix.PERF_SAMPLE_RAW) {
		if (4+len(s.Raw))%8 != 0 {
			return fmt.Errorf("raw sample data of %d bytes breaks record alignment", len(s.Raw))
		}
		w.u32(uint32(len(s.Raw)))
		w.raw(s.Raw)
	}

	if l.has(unix.PERF_SAMPLE_REGS_USER) {
		w.u64(s.RegsABI)
		if s.RegsABI != 0 {
			if len(s.Regs) != l.regsCount() {
				return fmt.Errorf("expected %d user registers, got %d", l.regsCount(), len(s.Regs))
			}
			for _, reg := range s.Regs {
				w.u64(reg)
			}
		}
	}

	if l.has(unix.PERF_SAMPLE_STACK_USER) {
		if len(s.StackUser)%8 != 0 {
			return fmt.Errorf("user stack dump of %d bytes is not 8-byte aligned", len(s.StackUser))
		}
		w.u64(uint64(len(s.StackUser)))
		w.raw(s.StackUser)
		if len(s.StackUser) != 0 {
			w.u64(s.StackDynSize)
		}
	}

	return nil
}

func encodeReadValues(w *writer, r *ReadValues, l Layout) error {
	if !l.reads(ReadFormatGroup) {
		if len(r.Values) != 1 {
			return fmt.Errorf("read_format without group holds one counter, got %d", len(r.Values))
		}
		v := r.Values[0]
		w.u64(v.Value)
		w.u64Cond(l.reads(ReadFormatTotalTimeEnabled), r.TimeEnabled)
		w.u64Cond(l.reads(ReadFormatTotalTimeRunning), r.TimeRunning)
		w.u64Cond(l.reads(ReadFormatID), v.ID)
		w.u64Cond(l.reads(ReadFormatLost), v.Lost)
		return nil
	}

	w.u64(uint64(len(r.Values)))
	w.u64Cond(l.reads(ReadFormatTotalTimeEnabled), r.TimeEnabled)
	w.u64Cond(l.reads(ReadFormatTotalTimeRunning), r.TimeRunning)
	for _, v := range r.Values {
		w.u64(v.Value)
		w.u64Cond(l.reads(ReadFormatID), v.ID)
		w.u64Cond(l.reads(ReadFormatLost), v.Lost)
	}
	return nil
}
