// Package fingerprint derives the weak, per-installation device identifier that
// personal license keys are bound to. It is a convenience heuristic: collisions are
// tolerated and the value is not derived from hardware.
package fingerprint

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/kv"
)

const (
	// Key is shared by every plugin of an installation.
	Key = "device-fingerprint"
	// MaxLength marks older, longer identifiers as invalid; they are regenerated.
	MaxLength = 15
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Source yields the current installation's fingerprint. It never fails.
type Source interface {
	Get(ctx context.Context) string
}

type Provider struct {
	store  kv.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewProvider(store kv.Store, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the time source. Used by tests.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Get returns the persisted fingerprint, generating and persisting a new one when it is
// missing or in the legacy long format. Storage failures yield an ephemeral value.
func (p *Provider) Get(ctx context.Context) string {
	var existing string
	found, err := kv.GetJSON(ctx, p.store, Key, &existing)
	if err != nil && !errors.Is(err, kv.ErrCorrupt) {
		p.logger.Warn("fingerprint read failed, using ephemeral value", zap.Error(err))
		return Generate(p.now())
	}
	if found && existing != "" && len(existing) <= MaxLength {
		return existing
	}

	fp := Generate(p.now())
	if err := kv.SetJSON(ctx, p.store, Key, fp); err != nil {
		p.logger.Warn("fingerprint persist failed, using ephemeral value", zap.Error(err))
		return fp
	}
	p.logger.Info("generated device fingerprint", zap.String("fingerprint", fp))
	return fp
}

// Generate builds last6(unix millis) followed by six random base36 characters.
func Generate(now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return ms + RandomBase36(6)
}

// RandomBase36 returns n characters from [0-9a-z]. Not cryptographically secure.
func RandomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}
