package sink

import (
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

type frame struct {
	addr   uint64
	kernel bool
}

// framesOf returns the sampled stack, leaf first. Without a callchain the
// sampled instruction pointer is the only frame.
func framesOf(s *record.Sample) []frame {
	kernel := s.CPUMode() == record.MiscKernel

	if len(s.Callchain) == 0 {
		if s.IP == 0 {
			return nil
		}
		return []frame{{addr: s.IP, kernel: kernel}}
	}

	frames := make([]frame, 0, len(s.Callchain))
	for _, ip := range s.Callchain {
		if record.IsContextMarker(ip) {
			kernel = ip == record.ContextKernel || ip == record.ContextGuestKernel
			continue
		}
		frames = append(frames, frame{addr: ip, kernel: kernel})
	}
	return frames
}
