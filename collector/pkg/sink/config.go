package sink

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yandex/perftrace/pkg/linux/kallsyms"
	"github.com/yandex/perftrace/pkg/ptr"
)

type Kind string

const (
	KindDummy Kind = "dummy"
	KindLocal Kind = "local"
	KindPprof Kind = "pprof"
)

type Config struct {
	Kind             Kind   `yaml:"kind"`
	Path             string `yaml:"path"`
	CompressionLevel *int   `yaml:"compression_level"`
	// Resolve kernel frames through /proc/kallsyms.
	Symbolize *bool `yaml:"symbolize"`
	// Addresses remembered by the symbolizer.
	SymbolCacheSize *int64 `yaml:"symbol_cache_size"`
}

func (c *Config) Validate() error {
	if c.SymbolCacheSize != nil && *c.SymbolCacheSize <= 0 {
		return fmt.Errorf("symbol_cache_size must be positive, got %d", *c.SymbolCacheSize)
	}

	switch c.Kind {
	case KindDummy:
	case KindLocal, KindPprof:
		if c.Path == "" {
			return fmt.Errorf("sink %q requires a path", c.Kind)
		}
	default:
		return fmt.Errorf("unknown sink kind %q", c.Kind)
	}
	return nil
}

// New builds the sink described by conf.
func New(l *zap.Logger, conf *Config) (Sink, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	var (
		s   Sink
		err error
	)
	switch conf.Kind {
	case KindDummy:
		s = NewDummy()
	case KindLocal:
		s, err = NewLocal(l, conf.Path, ptr.ValueOr(conf.CompressionLevel, DefaultCompressionLevel))
	case KindPprof:
		s = NewPprof(l, conf.Path)
	}
	if err != nil {
		return nil, err
	}

	if !ptr.ValueOr(conf.Symbolize, false) {
		return s, nil
	}

	resolver, err := kallsyms.Load()
	if err != nil {
		l.Warn("Failed to load kernel symbols, kernel frames stay unresolved", zap.Error(err))
		return s, nil
	}
	if resolver.Restricted() {
		l.Warn("Kernel symbol addresses are hidden by kptr_restrict, kernel frames stay unresolved")
		return s, nil
	}
	l.Debug("Loaded kernel symbols", zap.Int("count", resolver.Size()))
	cacheSize := ptr.ValueOr(conf.SymbolCacheSize, DefaultSymbolCacheSize)
	return NewSymbolizing(s, NewKallsymsSymbolizer(resolver), cacheSize), nil
}
