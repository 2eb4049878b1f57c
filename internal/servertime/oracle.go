// Package servertime resolves trusted wall-clock time from remote providers, falling
// back to the local clock when none answers.
package servertime

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/technosupport/plugin-entitlements/internal/metrics"
)

const (
	DefaultTimeout = 5 * time.Second

	SourceLocal = "local"
)

type Result struct {
	Time         time.Time
	FallbackUsed bool
	Source       string
}

// Source is what consumers of trusted time depend on.
type Source interface {
	Now(ctx context.Context) (Result, error)
}

type Oracle struct {
	providers []Provider
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	group     singleflight.Group
}

func NewOracle(providers []Provider, timeout time.Duration, logger *zap.Logger) *Oracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{providers: providers, timeout: timeout, now: time.Now, logger: logger}
}

func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	return o
}

// Now always yields a time. Concurrent callers share one probe sequence; a caller
// whose context ends first gets the local clock while the probe finishes for the rest.
func (o *Oracle) Now(ctx context.Context) (Result, error) {
	ch := o.group.DoChan("now", func() (any, error) {
		return o.probe(context.WithoutCancel(ctx)), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Result), nil
	case <-ctx.Done():
		return o.fallback(), nil
	}
}

func (o *Oracle) probe(ctx context.Context) Result {
	for _, p := range o.providers {
		pctx, cancel := context.WithTimeout(ctx, o.timeout)
		start := time.Now()
		t, err := p.Fetch(pctx)
		cancel()
		metrics.RecordTimeProbe(p.Name(), err == nil, float64(time.Since(start).Milliseconds()))
		if err != nil {
			o.logger.Debug("time provider failed", zap.String("source", p.Name()), zap.Error(err))
			continue
		}
		return Result{Time: t, Source: p.Name()}
	}
	o.logger.Warn("all time providers failed, using local clock", zap.Int("providers", len(o.providers)))
	return o.fallback()
}

func (o *Oracle) fallback() Result {
	metrics.TimeFallbackTotal.Inc()
	return Result{Time: o.now(), FallbackUsed: true, Source: SourceLocal}
}
