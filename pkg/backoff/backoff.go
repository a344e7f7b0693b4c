package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff defines exponential retry behavior.
type Backoff struct {
	// Min is the first wait.
	Min time.Duration
	// Max caps every wait.
	Max time.Duration
	// Factor multiplies the wait for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the wait (0-1).
	Jitter float64
}

// Default provides conservative retry defaults.
func Default() Backoff {
	return Backoff{
		Min:    50 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the wait before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 10 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleeper waits for a duration unless the context ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep returns immediately; meant for tests.
var NoSleep = SleeperFunc(func(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
})

// Retry runs fn until it succeeds, attempts are exhausted, or ctx ends.
// attempts <= 0 means a single try. The last error is returned.
func Retry(ctx context.Context, b Backoff, s Sleeper, attempts int, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if s == nil {
		s = TimerSleeper{}
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if serr := s.Sleep(ctx, b.Next(attempt)); serr != nil {
			return err
		}
	}
	return err
}
