package sink

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/pprof/profile"
	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/pkg/atomicfs"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

const KernelMapping = "[kernel]"

var _ Sink = (*Pprof)(nil)

// Pprof aggregates samples into a pprof profile written on Flush.
// Other events only contribute executable mappings.
type Pprof struct {
	l    *zap.Logger
	path string

	prof      *profile.Profile
	locations map[uint64]*profile.Location
	functions map[string]*profile.Function
	mappings  map[mappingKey]*profile.Mapping
	kernel    *profile.Mapping

	first, last int64
	gaps, lost  uint64
	flushed     bool
}

type mappingKey struct {
	start uint64
	file  string
}

func NewPprof(l *zap.Logger, path string) *Pprof {
	return &Pprof{
		l:    l.Named("sink").With(zap.String("path", path)),
		path: path,
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "events", Unit: "count"},
			},
			DefaultSampleType: "samples",
			PeriodType:        &profile.ValueType{Type: "events", Unit: "count"},
		},
		locations: make(map[uint64]*profile.Location),
		functions: make(map[string]*profile.Function),
		mappings:  make(map[mappingKey]*profile.Mapping),
	}
}

func (s *Pprof) Write(ctx context.Context, ev *event.Event) error {
	switch rec := ev.Record.(type) {
	case *record.Mmap:
		if rec.Executable() {
			s.addMapping(rec)
		}
	case *record.Sample:
		s.addSample(ev, rec)
	}
	return nil
}

func (s *Pprof) Gap(ctx context.Context, gap event.Gap) error {
	s.gaps++
	s.lost += gap.Lost
	return nil
}

func (s *Pprof) addMapping(rec *record.Mmap) {
	key := mappingKey{start: rec.Addr, file: rec.Filename}
	if _, ok := s.mappings[key]; ok {
		return
	}
	m := &profile.Mapping{
		ID:     uint64(len(s.prof.Mapping) + 1),
		Start:  rec.Addr,
		Limit:  rec.Addr + rec.Len,
		Offset: rec.PgOff,
		File:   rec.Filename,
	}
	s.mappings[key] = m
	s.prof.Mapping = append(s.prof.Mapping, m)
}

func (s *Pprof) kernelMapping() *profile.Mapping {
	if s.kernel == nil {
		s.kernel = &profile.Mapping{
			ID:           uint64(len(s.prof.Mapping) + 1),
			File:         KernelMapping,
			HasFunctions: true,
		}
		s.prof.Mapping = append(s.prof.Mapping, s.kernel)
	}
	return s.kernel
}

func (s *Pprof) mappingOf(addr uint64) *profile.Mapping {
	for _, m := range s.prof.Mapping {
		if m != s.kernel && addr >= m.Start && addr < m.Limit {
			return m
		}
	}
	return nil
}

func (s *Pprof) function(name string) *profile.Function {
	fn, ok := s.functions[name]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(s.prof.Function) + 1),
			Name:       name,
			SystemName: name,
		}
		s.functions[name] = fn
		s.prof.Function = append(s.prof.Function, fn)
	}
	return fn
}

func (s *Pprof) location(f frame, symbols map[uint64]string) *profile.Location {
	if loc, ok := s.locations[f.addr]; ok {
		return loc
	}

	loc := &profile.Location{
		ID:      uint64(len(s.prof.Location) + 1),
		Address: f.addr,
	}
	if f.kernel {
		loc.Mapping = s.kernelMapping()
	} else {
		loc.Mapping = s.mappingOf(f.addr)
	}
	if name, ok := symbols[f.addr]; ok {
		loc.Line = []profile.Line{{Function: s.function(name)}}
	}

	s.locations[f.addr] = loc
	s.prof.Location = append(s.prof.Location, loc)
	return loc
}

func (s *Pprof) addSample(ev *event.Event, rec *record.Sample) {
	frames := framesOf(rec)
	if len(frames) == 0 {
		return
	}

	sample := &profile.Sample{
		Value: []int64{1, int64(max(rec.Period, 1))},
		NumLabel: map[string][]int64{
			"pid": {int64(rec.PID)},
			"tid": {int64(rec.TID)},
			"cpu": {int64(rec.CPU)},
		},
	}
	for _, f := range frames {
		sample.Location = append(sample.Location, s.location(f, ev.Symbols))
	}
	s.prof.Sample = append(s.prof.Sample, sample)

	if len(s.prof.Sample) == 1 {
		s.first = ev.Time
	}
	s.last = ev.Time
}

// Profile returns the profile built so far.
func (s *Pprof) Profile() *profile.Profile {
	s.prof.TimeNanos = s.first
	s.prof.DurationNanos = s.last - s.first
	s.prof.Comments = []string{fmt.Sprintf("lost=%d gaps=%d", s.lost, s.gaps)}
	if len(s.prof.Sample) > 0 {
		s.prof.Period = s.prof.Sample[0].Value[1]
	}
	return s.prof
}

func (s *Pprof) Flush(ctx context.Context) error {
	if s.flushed {
		return nil
	}
	s.flushed = true

	prof := s.Profile()
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("built invalid profile: %w", err)
	}

	f, err := atomicfs.Create(s.path)
	if err != nil {
		return err
	}
	if err := prof.Write(f); err != nil {
		_ = f.Discard()
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.l.Info("Written profile",
		zap.Int("samples", len(prof.Sample)),
		zap.Int("locations", len(prof.Location)),
		zap.Strings("top", s.top(5)),
	)
	return nil
}

func (s *Pprof) Close() error {
	return nil
}

// top returns the names of the hottest leaf functions.
func (s *Pprof) top(n int) []string {
	hits := make(map[string]int64)
	for _, sample := range s.prof.Sample {
		leaf := sample.Location[0]
		if len(leaf.Line) > 0 {
			hits[leaf.Line[0].Function.Name] += sample.Value[0]
		}
	}

	names := make([]string, 0, len(hits))
	for name := range hits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if hits[names[i]] != hits[names[j]] {
			return hits[names[i]] > hits[names[j]]
		}
		return names[i] < names[j]
	})
	return names[:min(n, len(names))]
}
