// Package retry runs operations under a bounded exponential backoff that
// only retries failures classified as temporary by autherr.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/logging"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultFactor     = 1.5
	DefaultJitter     = time.Second
)

// Policy describes how many times and how patiently an operation is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	// Jitter is the upper bound of a uniform random delay added to every wait.
	Jitter time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1). Tests replace it.
	Rand func() float64

	Logger *logging.Logger
}

// Default returns the standard policy: 2 retries, 2s base delay growing by
// 1.5x up to 10s, plus up to 1s of jitter.
func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Factor:     DefaultFactor,
		Jitter:     DefaultJitter,
	}
}

// WithMaxRetries returns a copy of p with a different retry budget.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Delay returns the wait before retry number attempt (1-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(r() * float64(p.Jitter))
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	return sleep(ctx, d)
}

// Execute runs op until it succeeds, fails permanently, or the retry budget
// is spent. The last error is returned unmodified.
func (p Policy) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if p.Logger != nil {
				p.Logger.Warnf("%s: attempt %d/%d failed (%v), retrying", name, attempt, p.MaxRetries+1, err)
			}
			if werr := p.wait(ctx, attempt); werr != nil {
				return result, err
			}
		}

		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if !autherr.IsRetryable(err) {
			return result, err
		}
	}
	if p.Logger != nil {
		p.Logger.Errorf("%s: giving up after %d attempts: %v", name, p.MaxRetries+1, err)
	}
	return result, err
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
