package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
	"github.com/rs/zerolog"
)

type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
}

func defaultBackoff() backoff {
	return backoff{initial: 250 * time.Millisecond, max: 5 * time.Second, multiplier: 2, jitter: true}
}

// delay returns the wait before attempt n (1-based).
func (b backoff) delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.initial <= 0 {
		return b.initial
	}
	m := b.multiplier
	if m < 1 {
		m = 1
	}
	d := float64(b.initial) * math.Pow(m, float64(n-1))
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// dialHub retries the command channel dial until it succeeds, attempts run
// out, or ctx ends.
func dialHub(ctx context.Context, addr string, attempts int, b backoff, logger zerolog.Logger) (*command.Client, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for n := 1; n <= attempts; n++ {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := command.Dial(dialCtx, addr, frame.DefaultLimits())
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		if n == attempts {
			break
		}
		wait := b.delay(n, rng)
		logger.Warn().Err(err).Int("attempt", n).Dur("retry_in", wait).Msg("hub dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}
