package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/technosupport/plugin-entitlements/internal/metrics"
)

var ErrUsageLimitReached = errors.New("entitlement: free usage limit reached")

// Usage is the metering state after a gated action.
type Usage struct {
	IsPro         bool
	UsageCount    int
	RemainingUses int
	// Charged is set when the action consumed a free credit.
	Charged bool
	// LastFreeUse is set when the action consumed the final free credit.
	LastFreeUse bool
	// Downgraded is set when this call first observed an expired subscription.
	Downgraded bool
}

type Meter struct {
	store *Store
}

func NewMeter(store *Store) *Meter {
	return &Meter{store: store}
}

// Check reports the current usage and whether another gated action may run.
func (m *Meter) Check(ctx context.Context) (Usage, bool) {
	info := m.store.Read(ctx)
	return usageOf(info), info.CanUse()
}

// Run refuses the action up front when the free tier is exhausted, runs it, and
// charges one credit only after it succeeds. Pro installations are never charged.
func (m *Meter) Run(ctx context.Context, action func(context.Context) error) (Usage, error) {
	info := m.store.Read(ctx)
	if !info.CanUse() {
		metrics.UsageRefusedTotal.WithLabelValues(m.store.plugin.ID).Inc()
		return usageOf(info), ErrUsageLimitReached
	}

	if err := action(ctx); err != nil {
		return usageOf(info), err
	}
	if info.IsPro {
		return usageOf(info), nil
	}
	u, err := m.Charge(ctx)
	u.Downgraded = info.Downgraded
	return u, err
}

// Charge consumes one free credit for an action that already ran.
func (m *Meter) Charge(ctx context.Context) (Usage, error) {
	n, err := m.store.IncrementUsage(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("charge usage: %w", err)
	}
	metrics.UsageChargedTotal.WithLabelValues(m.store.plugin.ID).Inc()
	remaining := m.store.remaining(n)
	return Usage{UsageCount: n, RemainingUses: remaining, Charged: true, LastFreeUse: remaining == 0}, nil
}

func usageOf(info Info) Usage {
	return Usage{IsPro: info.IsPro, UsageCount: info.UsageCount, RemainingUses: info.RemainingUses, Downgraded: info.Downgraded}
}
