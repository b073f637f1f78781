package orchestrator

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Delay is the randomized per-item pause range. A zero range disables it.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Next picks a duration uniformly in [Min, Max].
func (d Delay) Next() time.Duration {
	if d.Max <= d.Min {
		if d.Min < 0 {
			return 0
		}
		return d.Min
	}
	span := big.NewInt(int64(d.Max-d.Min) + 1)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return d.Min + (d.Max-d.Min)/2
	}
	return d.Min + time.Duration(n.Int64())
}

// Pauser waits between items.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
