package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/pkg/linux/kallsyms"
	"github.com/yandex/perftrace/pkg/linux/perfevent/record"
)

// Symbolizer names kernel text addresses.
type Symbolizer interface {
	Symbolize(addr uint64) (string, bool)
}

type kallsymsSymbolizer struct {
	r *kallsyms.Resolver
}

func NewKallsymsSymbolizer(r *kallsyms.Resolver) Symbolizer {
	return &kallsymsSymbolizer{r: r}
}

func (k *kallsymsSymbolizer) Symbolize(addr uint64) (string, bool) {
	sym, ok := k.r.Resolve(addr)
	if !ok {
		return "", false
	}
	return sym.String(), true
}

////////////////////////////////////////////////////////////////////////////////

var _ Sink = (*Symbolizing)(nil)

const (
	DefaultSymbolCacheSize = 64 * 1024
	symbolTTL              = time.Hour
)

// Symbolizing resolves the kernel frames of samples before passing them on.
// It runs in the writer goroutine, off the drain path.
type Symbolizing struct {
	Sink
	symbolizer Symbolizer
	// Resolved names by address; an empty name marks an unknown address.
	cache *ccache.Cache[string]
}

// NewSymbolizing wraps next. At most cacheSize addresses are remembered.
func NewSymbolizing(next Sink, s Symbolizer, cacheSize int64) *Symbolizing {
	return &Symbolizing{
		Sink:       next,
		symbolizer: s,
		cache: ccache.New[string](
			ccache.
				Configure[string]().
				MaxSize(cacheSize).
				ItemsToPrune(uint32(max(cacheSize/4, 1))),
		),
	}
}

func (s *Symbolizing) Write(ctx context.Context, ev *event.Event) error {
	if sample, ok := ev.Record.(*record.Sample); ok {
		for _, f := range framesOf(sample) {
			if !f.kernel {
				continue
			}
			if name, ok := s.resolve(f.addr); ok {
				if ev.Symbols == nil {
					ev.Symbols = make(map[uint64]string)
				}
				ev.Symbols[f.addr] = name
			}
		}
	}
	return s.Sink.Write(ctx, ev)
}

func (s *Symbolizing) Close() error {
	s.cache.Stop()
	return s.Sink.Close()
}

func (s *Symbolizing) resolve(addr uint64) (string, bool) {
	item, _ := s.cache.Fetch(strconv.FormatUint(addr, 16), symbolTTL, func() (string, error) {
		name, _ := s.symbolizer.Symbolize(addr)
		return name, nil
	})
	name := item.Value()
	return name, name != ""
}
