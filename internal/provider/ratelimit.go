package provider

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures a provider's request budget.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstLimit defaults to ceil(RequestsPerSecond).
	BurstLimit int `yaml:"burst_limit,omitempty"`
	// RequestsPerMinute adds a second, coarser bucket when set.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// limiter gates calls on a per-second token bucket and, when configured,
// a per-minute bucket. Both must grant before a call proceeds.
type limiter struct {
	second *rate.Limiter
	minute *rate.Limiter
}

func newLimiter(cfg RateLimit) *limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}

	l := &limiter{
		second: rate.NewLimiter(rate.Limit(rps), burst),
	}
	if cfg.RequestsPerMinute > 0 {
		l.minute = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)),
			cfg.RequestsPerMinute,
		)
	}
	return l
}

// wait blocks cooperatively until both buckets grant a token, or the
// context is cancelled.
func (l *limiter) wait(ctx context.Context) error {
	if l.minute != nil {
		if err := l.minute.Wait(ctx); err != nil {
			return err
		}
	}
	return l.second.Wait(ctx)
}
