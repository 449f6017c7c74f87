package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/yandex/perftrace/collector/pkg/event"
	"github.com/yandex/perftrace/pkg/atomicfs"
)

const (
	DefaultCompressionLevel = 3
	gapKind                 = "gap"
)

var _ Sink = (*Local)(nil)

// Line is one entry of a local trace file.
type Line struct {
	Time        int64             `json:"time"`
	KernelTime  uint64            `json:"kernel_time,omitempty"`
	Kind        string            `json:"kind"`
	Late        bool              `json:"late,omitempty"`
	Target      string            `json:"target"`
	Monitor     string            `json:"monitor,omitempty"`
	Lost        uint64            `json:"lost,omitempty"`
	Synthesized bool              `json:"synthesized,omitempty"`
	Symbols     map[uint64]string `json:"symbols,omitempty"`
	Record      json.RawMessage   `json:"record,omitempty"`
}

// Local writes the trace as zstd compressed JSON lines. The file appears
// at its path only after a successful Close.
type Local struct {
	l     *zap.Logger
	file  *atomicfs.File
	zw    *zstd.Encoder
	enc   *json.Encoder
	lines uint64
	raw   *counter
}

func NewLocal(l *zap.Logger, path string, level int) (*Local, error) {
	file, err := atomicfs.Create(path)
	if err != nil {
		return nil, err
	}

	raw := &counter{w: file}
	zw, err := zstd.NewWriter(raw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create zstd encoder: %w", err), file.Discard())
	}

	return &Local{
		l:    l.Named("sink").With(zap.String("path", file.Name())),
		file: file,
		zw:   zw,
		enc:  json.NewEncoder(zw),
		raw:  raw,
	}, nil
}

func (s *Local) Write(ctx context.Context, ev *event.Event) error {
	rec, err := json.Marshal(ev.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", ev.Kind, err)
	}

	return s.put(&Line{
		Time:       ev.Time,
		KernelTime: ev.KernelTime,
		Kind:       ev.Kind.String(),
		Late:       ev.Late,
		Target:     ev.Target.String(),
		Monitor:    ev.Monitor,
		Symbols:    ev.Symbols,
		Record:     rec,
	})
}

func (s *Local) Gap(ctx context.Context, gap event.Gap) error {
	return s.put(&Line{
		Time:        gap.Time,
		Kind:        gapKind,
		Target:      gap.Target.String(),
		Monitor:     gap.Monitor,
		Lost:        gap.Lost,
		Synthesized: gap.Synthesized,
	})
}

func (s *Local) put(line *Line) error {
	if s.zw == nil {
		return errors.New("local sink is closed")
	}
	if err := s.enc.Encode(line); err != nil {
		return fmt.Errorf("failed to write trace line: %w", err)
	}
	s.lines++
	return nil
}

func (s *Local) Flush(ctx context.Context) error {
	if s.zw == nil {
		return nil
	}
	return s.zw.Flush()
}

// Close commits the file. A failed close leaves nothing at the path.
func (s *Local) Close() error {
	if s.zw == nil {
		return nil
	}
	zw := s.zw
	s.zw = nil

	if err := zw.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to finish zstd stream: %w", err), s.file.Discard())
	}
	if err := s.file.Close(); err != nil {
		return err
	}

	s.l.Info("Written trace",
		zap.Uint64("lines", s.lines),
		zap.String("size", humanize.IBytes(s.raw.n)),
	)
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// ReadLocal decodes a trace written by Local.
func ReadLocal(r io.Reader, fn func(line *Line) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		var line Line
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("failed to parse trace line: %w", err)
		}
		if err := fn(&line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type counter struct {
	w io.Writer
	n uint64
}

func (c *counter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
