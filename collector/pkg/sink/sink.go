package sink

import (
	"context"

	"github.com/yandex/perftrace/collector/pkg/event"
)

// Sink consumes the merged event stream. Calls come from a single goroutine.
// Flush and Close are called exactly once, after the last event.
type Sink interface {
	Write(ctx context.Context, ev *event.Event) error
	Gap(ctx context.Context, gap event.Gap) error
	Flush(ctx context.Context) error
	Close() error
}
