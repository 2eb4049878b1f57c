// Package subscription decides whether a subscription has lapsed against trusted time.
package subscription

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/servertime"
)

const dayMillis = 86_400_000

// Validation is the outcome of one expiry check. ServerTime is nil whenever the
// comparison used the local clock.
type Validation struct {
	IsExpired     bool
	DaysRemaining int
	ServerTime    *time.Time
	CheckedAt     time.Time
	FallbackUsed  bool
}

type Validator struct {
	source servertime.Source
	now    func() time.Time
	logger *zap.Logger
}

func NewValidator(source servertime.Source, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{source: source, now: time.Now, logger: logger}
}

func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

func (v *Validator) CheckExpiry(ctx context.Context, expiration time.Time) Validation {
	checkedAt := v.now()

	res, err := v.source.Now(ctx)
	if err != nil {
		v.logger.Warn("trusted time unavailable, comparing against local clock", zap.Error(err))
		return Validation{
			IsExpired:     IsExpired(expiration, checkedAt),
			DaysRemaining: DaysRemaining(expiration, checkedAt),
			CheckedAt:     checkedAt,
			FallbackUsed:  true,
		}
	}

	out := Validation{
		IsExpired:     IsExpired(expiration, res.Time),
		DaysRemaining: DaysRemaining(expiration, res.Time),
		CheckedAt:     checkedAt,
		FallbackUsed:  res.FallbackUsed,
	}
	if !res.FallbackUsed {
		t := res.Time
		out.ServerTime = &t
	}
	return out
}

// IsExpired reports t >= e at millisecond resolution.
func IsExpired(e, t time.Time) bool {
	return t.UnixMilli() >= e.UnixMilli()
}

// DaysRemaining is max(0, ceil((e - t) / 1 day)) at millisecond resolution.
func DaysRemaining(e, t time.Time) int {
	diff := e.UnixMilli() - t.UnixMilli()
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(float64(diff) / dayMillis))
}
