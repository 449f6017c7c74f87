package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCalibration = errors.New("clock calibration failed")

// Calibration is one measured kernel to reference mapping.
type Calibration struct {
	Mapping     Mapping
	Uncertainty time.Duration
}

type Calibrator interface {
	Calibrate(ctx context.Context) (Calibration, error)
}

// Bridge owns the single clock mapping of a run.
type Bridge struct {
	logger     *zap.Logger
	calibrator Calibrator
	kernel     Clock
	timeout    time.Duration
	sameDomain bool

	once    sync.Once
	mu      sync.RWMutex
	mapping Mapping
	ready   bool
	err     error
}

type BridgeOption func(b *Bridge)

func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithSameDomain tells the bridge the kernel and reference clocks are the
// same clock, so any noticeable offset is suspicious.
func WithSameDomain() BridgeOption {
	return func(b *Bridge) {
		b.sameDomain = true
	}
}

// NewBridge creates a bridge. kernel reads the clock the perf events stamp records with.
func NewBridge(l *zap.Logger, calibrator Calibrator, kernel Clock, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		logger:     l.Named("clock"),
		calibrator: calibrator,
		kernel:     kernel,
		timeout:    time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Calibrate measures the mapping on the first call. Later calls return the
// first result without measuring again.
func (b *Bridge) Calibrate(ctx context.Context) (Mapping, error) {
	b.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		calibration, err := b.calibrator.Calibrate(ctx)

		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.err = fmt.Errorf("%w: %w", ErrCalibration, err)
			return
		}
		b.mapping = calibration.Mapping
		b.ready = true

		b.logger.Info("Calibrated kernel clock",
			zap.Stringer("mapping", calibration.Mapping),
			zap.Duration("uncertainty", calibration.Uncertainty),
		)
		if b.sameDomain && absDuration(calibration.Mapping.Offset) > 10*calibration.Uncertainty+time.Millisecond {
			b.logger.Warn("Clock offset is implausible for identical clock domains",
				zap.Int64("offset_ns", calibration.Mapping.Offset),
			)
		}
	})

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapping, b.err
}

// Mapping returns the calibrated mapping. It reports false before a successful Calibrate.
func (b *Bridge) Mapping() (Mapping, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapping, b.ready
}

func (b *Bridge) Convert(kernel uint64) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapping.Convert(kernel)
}

// KernelNow reads the kernel clock domain.
func (b *Bridge) KernelNow() (uint64, error) {
	now, err := b.kernel.Now()
	if err != nil {
		return 0, err
	}
	return uint64(now), nil
}

func absDuration(ns int64) time.Duration {
	if ns < 0 {
		ns = -ns
	}
	return time.Duration(ns)
}
