package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yandex/perftrace/pkg/linux/perfevent"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

const (
	defaultMeanRecordSize = 64
	lostLogInterval       = 10 * time.Second
)

// Stats are the running totals of one reader.
type Stats struct {
	Records   uint64
	Bytes     uint64
	Lost      uint64
	Resyncs   uint64
	Throttled uint64
}

// Reader decodes the ring buffer of one perf event.
// It is not safe for concurrent use.
type Reader struct {
	logger  *zap.Logger
	metrics *Metrics
	handle  *perfevent.Handle
	ring    *perfevent.Ring
	decoder *record.Decoder

	scratch  []byte
	lastTime uint64
	lostLog  *rate.Limiter
	stats    Stats
}

type Option func(r *Reader)

func WithLogger(l *zap.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reader) {
		r.metrics = m
	}
}

// Open acquires a perf event for target and maps a ring of pages data pages.
// The event is left disabled unless attrs.Enable is set.
func Open(ctx context.Context, registry *perfevent.HandleRegistry, target perfevent.Target, attrs *perfevent.Options, pages int, opts ...Option) (*Reader, error) {
	h, err := registry.Acquire(ctx, target, attrs)
	if err != nil {
		return nil, err
	}

	r, err := newReader(h, pages, opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return r, nil
}

func newReader(h *perfevent.Handle, pages int, opts ...Option) (*Reader, error) {
	decoder, err := record.NewDecoder(h.Layout())
	if err != nil {
		return nil, err
	}

	ring, err := h.Map(pages)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		logger:  zap.NewNop(),
		handle:  h,
		ring:    ring,
		decoder: decoder,
		lostLog: rate.NewLimiter(rate.Every(lostLogInterval), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.Stringer("target", h.Target()))
	return r, nil
}

func (r *Reader) Handle() *perfevent.Handle {
	return r.handle
}

func (r *Reader) Ref() perfevent.HandleRef {
	return r.handle.Ref()
}

func (r *Reader) Target() perfevent.Target {
	return r.handle.Target()
}

func (r *Reader) ReducedFidelity() bool {
	return r.handle.ReducedFidelity()
}

func (r *Reader) Stats() Stats {
	return r.stats
}

func (r *Reader) Enable() error {
	return r.handle.Enable()
}

func (r *Reader) Disable() error {
	return r.handle.Disable()
}

// Pending returns the number of bytes written by the kernel but not consumed yet.
func (r *Reader) Pending() uint64 {
	if r.handle.Released() {
		return 0
	}
	return r.ring.Head() - r.ring.Tail()
}

// Drain decodes up to limit complete records without blocking. A zero or
// negative limit drains everything available. The tail only moves past
// records that decoded completely. If the reader lost sync with the ring,
// the skipped data is reported as one synthesized Lost record.
func (r *Reader) Drain(limit int) []record.Record {
	if r.handle.Released() {
		return nil
	}

	head := r.ring.Head()
	tail := r.ring.Tail()
	size := r.ring.Size()

	if head-tail > size {
		return []record.Record{r.resync(head, tail, "reader was lapped by the kernel")}
	}

	var out []record.Record
	var header [record.HeaderSize]byte
	for tail < head && (limit <= 0 || len(out) < limit) {
		avail := head - tail
		if avail < record.HeaderSize {
			break
		}

		r.ring.Read(header[:], tail)
		h, err := record.PeekHeader(header[:])
		if err != nil || uint64(h.Size) > size || h.Size%8 != 0 {
			r.ring.SetTail(tail)
			return append(out, r.resync(head, tail, "corrupted record header"))
		}
		if uint64(h.Size) > avail {
			break
		}

		buf := r.ring.Peek(tail, int(h.Size), &r.scratch)
		rec, n, err := r.decoder.Decode(buf)
		if err != nil {
			r.ring.SetTail(tail)
			r.logger.Debug("Failed to decode record", zap.Stringer("type", h.Type), zap.Error(err))
			return append(out, r.resync(head, tail, "undecodable record"))
		}

		tail += uint64(n)
		r.account(rec, n)
		out = append(out, rec)
	}

	r.ring.SetTail(tail)
	return out
}

func (r *Reader) account(rec record.Record, size int) {
	r.stats.Records++
	r.stats.Bytes += uint64(size)
	if ts := rec.Timestamp(); ts != 0 {
		r.lastTime = ts
	}

	switch rec := rec.(type) {
	case *record.Lost:
		r.stats.Lost += rec.Lost
		r.metricsLost(rec.Lost)
		if r.lostLog.Allow() {
			r.logger.Warn("Kernel dropped records", zap.Uint64("lost", rec.Lost), zap.Uint64("total_lost", r.stats.Lost))
		}
	case *record.Throttle:
		if rec.Throttled() {
			r.stats.Throttled++
			if r.metrics != nil {
				r.metrics.throttled.Inc()
			}
		}
	}

	if r.metrics != nil {
		r.metrics.records.WithLabelValues(rec.RecordHeader().Type.String()).Inc()
		r.metrics.bytes.Add(float64(size))
	}
}

func (r *Reader) metricsLost(n uint64) {
	if r.metrics != nil {
		r.metrics.lost.Add(float64(n))
	}
}

// resync drops everything between tail and head and reports it as lost.
func (r *Reader) resync(head, tail uint64, reason string) record.Record {
	skipped := head - tail
	r.ring.SetTail(head)

	mean := uint64(defaultMeanRecordSize)
	if r.stats.Records > 0 {
		mean = max(r.stats.Bytes/r.stats.Records, record.HeaderSize)
	}
	lost := max(skipped/mean, 1)

	r.stats.Lost += lost
	r.stats.Resyncs++
	r.metricsLost(lost)
	if r.metrics != nil {
		r.metrics.resyncs.Inc()
	}

	if r.lostLog.Allow() {
		r.logger.Warn("Lost sync with ring buffer, skipping to head",
			zap.String("reason", reason),
			zap.Uint64("skipped_bytes", skipped),
			zap.Uint64("estimated_lost", lost),
		)
	}

	return &record.Lost{
		Header:      record.Header{Type: record.TypeLost},
		ID:          r.handle.ID(),
		Lost:        lost,
		Synthesized: true,
		SampleID:    record.SampleID{Time: r.lastTime},
	}
}

// Close releases the underlying handle. Closing twice is a no-op.
func (r *Reader) Close() error {
	return r.handle.Close()
}
