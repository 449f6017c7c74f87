package clock

import (
	"context"
	"fmt"
	"time"
)

// ClockPair calibrates by reading the reference clock immediately before
// and after the kernel clock. The round with the narrowest bracket wins.
type ClockPair struct {
	Kernel         Clock
	Reference      Clock
	Rounds         int
	MaxUncertainty time.Duration
}

func NewClockPair(kernel, reference Clock) *ClockPair {
	return &ClockPair{
		Kernel:         kernel,
		Reference:      reference,
		Rounds:         100,
		MaxUncertainty: 50 * time.Microsecond,
	}
}

func (p *ClockPair) Calibrate(ctx context.Context) (Calibration, error) {
	best := Calibration{Uncertainty: -1}

	for round := 0; round < max(p.Rounds, 1); round++ {
		if err := ctx.Err(); err != nil {
			return Calibration{}, err
		}

		before, err := p.Reference.Now()
		if err != nil {
			return Calibration{}, err
		}
		kernel, err := p.Kernel.Now()
		if err != nil {
			return Calibration{}, err
		}
		after, err := p.Reference.Now()
		if err != nil {
			return Calibration{}, err
		}
		if after < before {
			// The reference clock stepped backwards.
			continue
		}

		width := time.Duration(after - before)
		if best.Uncertainty < 0 || width < best.Uncertainty {
			best = Calibration{
				Mapping:     Mapping{Offset: before + (after-before)/2 - kernel},
				Uncertainty: width,
			}
		}
	}

	if best.Uncertainty < 0 {
		return Calibration{}, fmt.Errorf("no usable round out of %d", p.Rounds)
	}
	if best.Uncertainty > p.MaxUncertainty {
		return Calibration{}, fmt.Errorf("best bracket of %s exceeds the allowed %s", best.Uncertainty, p.MaxUncertainty)
	}
	return best, nil
}
