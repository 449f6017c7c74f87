package session

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/monitor"
	"github.com/yandex/perftrace/collector/pkg/report"
)

// Summary describes a finished or running session.
type Summary struct {
	RunID    uuid.UUID
	Scope    string
	Started  time.Time
	Elapsed  time.Duration
	Monitors int
	// Monitors that delivered their final flush marker, in order.
	Finished []string

	// Totals of streams already closed.
	Stats monitor.Stats

	Emitted  uint64
	Late     uint64
	Degraded []report.Report
}

func (s *Session) Summary() Summary {
	monitors := s.Monitors()

	s.mu.Lock()
	end := s.finished
	dropped := s.dropped
	s.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}

	summary := Summary{
		RunID:    s.runID,
		Scope:    s.scope.String(),
		Started:  s.started,
		Monitors: len(monitors),
		Degraded: s.reporter.Reports(),
	}
	if !s.started.IsZero() {
		summary.Elapsed = end.Sub(s.started)
	}
	summary.Stats.Add(dropped)
	for _, m := range monitors {
		summary.Stats.Add(m.Stats())
	}
	if s.merger != nil {
		summary.Finished = s.merger.Finished()
		summary.Emitted = s.merger.Emitted()
		summary.Late = s.merger.Late()
	}
	return summary
}

func (s *Session) logSummary() {
	s.summaryOnce.Do(func() {
		summary := s.Summary()

		classes := make([]string, 0, len(summary.Degraded))
		for _, r := range summary.Degraded {
			classes = append(classes, string(r.Class))
		}

		s.logger.Info("Session finished",
			zap.Stringer("scope", s.scope),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Int("monitors", summary.Monitors),
			zap.Int("targets_opened", summary.Stats.Opened),
			zap.Int("targets_skipped", summary.Stats.Skipped),
			zap.String("records", humanize.Comma(int64(summary.Stats.Records))),
			zap.String("read", humanize.IBytes(summary.Stats.Bytes)),
			zap.String("emitted", humanize.Comma(int64(summary.Emitted))),
			zap.Uint64("lost", summary.Stats.Lost),
			zap.Uint64("throttled", summary.Stats.Throttled),
			zap.Uint64("resyncs", summary.Stats.Resyncs),
			zap.Uint64("pauses", summary.Stats.Pauses),
			zap.Uint64("late", summary.Late),
			zap.Strings("degraded", classes),
		)
	})
}
