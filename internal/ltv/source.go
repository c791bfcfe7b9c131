package ltv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ltv-alert/internal/core"
)

// ErrSourceUnavailable marks a transient upstream failure. The caller must retry
// later and must never read it as "position closed".
var ErrSourceUnavailable = errors.New("ltv source unavailable")

// Source returns the current LTV of an account on one lending protocol
type Source interface {
	CurrentLTV(ctx context.Context, accountAddress string) (core.LTVReading, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, accountAddress string) (core.LTVReading, error)

func (f SourceFunc) CurrentLTV(ctx context.Context, accountAddress string) (core.LTVReading, error) {
	return f(ctx, accountAddress)
}

// Unavailable wraps err so that errors.Is(err, ErrSourceUnavailable) holds
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// WithTimeout bounds every call to src by d
func WithTimeout(src Source, d time.Duration) Source {
	if d <= 0 {
		return src
	}
	return SourceFunc(func(ctx context.Context, accountAddress string) (core.LTVReading, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		reading, err := src.CurrentLTV(ctx, accountAddress)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return core.LTVReading{}, Unavailable(err)
		}
		return reading, err
	})
}

// Percent builds a reading from a ratio in [0,1], clamped to [0,100]
func Percent(ratio float64) core.LTVReading {
	pct := ratio * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return core.LTVReading{HasPosition: true, Percent: pct}
}

// NoPosition is the reading of an account without an open loan
func NoPosition() core.LTVReading {
	return core.LTVReading{}
}
