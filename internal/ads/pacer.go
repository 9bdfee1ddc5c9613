package ads

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out provider requests.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RatePacer allows one request per interval. The first request goes out
// immediately; later ones wait out the remainder of the interval.
type RatePacer struct {
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRatePacer returns a pacer for interval. A non-positive interval never waits.
func NewRatePacer(interval time.Duration) *RatePacer {
	return NewRatePacerWithClock(interval, time.Now, sleepContext)
}

// NewRatePacerWithClock lets tests drive time through now and sleep.
func NewRatePacerWithClock(interval time.Duration, now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *RatePacer {
	p := &RatePacer{now: now, sleep: sleep}
	if interval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return p
}

func (p *RatePacer) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}

	now := p.now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("pacer cannot satisfy reservation")
	}

	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	if err := p.sleep(ctx, d); err != nil {
		r.CancelAt(now)
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
