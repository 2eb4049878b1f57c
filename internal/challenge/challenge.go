// Package challenge issues short-lived, device-bound activation challenges that the
// external activation bot exchanges for a license key.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/fingerprint"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/metrics"
)

type Type string

const (
	Purchase Type = "purchase"
	Recovery Type = "recovery"
)

const (
	TTL     = 30 * time.Minute
	Version = "1.0"

	keyPrefix = "challenge-"
)

var ErrInvalidType = errors.New("challenge: invalid challenge type")

type Challenge struct {
	PluginID          string `json:"pluginId"`
	ChallengeType     Type   `json:"challengeType"`
	Timestamp         string `json:"timestamp"`
	Expires           int64  `json:"expires"`
	Version           string `json:"version"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Stale reports whether the challenge window has closed. Nothing sweeps stale
// challenges; callers check on re-read.
func (c Challenge) Stale(now time.Time) bool {
	return now.UnixMilli() > c.Expires
}

type Issuer struct {
	store        kv.Store
	fingerprints fingerprint.Source
	now          func() time.Time
	logger       *zap.Logger
}

func NewIssuer(store kv.Store, fingerprints fingerprint.Source, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{store: store, fingerprints: fingerprints, now: time.Now, logger: logger}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates and persists a challenge, returning its id
// (pluginId_timestamp-random_fingerprint). When the record cannot be persisted it
// returns a degraded id without the fingerprint suffix; downstream consumers must
// tolerate the missing record. It fails only for an unknown type or an abandoned
// request, and then persists nothing.
func (i *Issuer) Issue(ctx context.Context, pluginID string, typ Type) (string, error) {
	if typ == "" {
		typ = Purchase
	}
	if typ != Purchase && typ != Recovery {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := i.now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	fp := i.fingerprints.Get(ctx)

	c := Challenge{
		PluginID:          pluginID,
		ChallengeType:     typ,
		Timestamp:         ts,
		Expires:           now.Add(TTL).UnixMilli(),
		Version:           Version,
		DeviceFingerprint: fp,
	}
	id := fmt.Sprintf("%s_%s-%s_%s", pluginID, ts, fingerprint.RandomBase36(8), fp)

	if err := i.persist(ctx, id, c); err != nil {
		fallback := fmt.Sprintf("%s_%s-%s", pluginID, ts, fingerprint.RandomBase36(13))
		i.logger.Warn("challenge not persisted, issuing degraded id",
			zap.String("plugin_id", pluginID),
			zap.String("challenge_id", fallback),
			zap.Error(err))
		metrics.RecordChallenge(pluginID, string(typ), false)
		return fallback, nil
	}

	i.logger.Info("challenge issued",
		zap.String("plugin_id", pluginID),
		zap.String("challenge_type", string(typ)),
		zap.String("challenge_id", id))
	metrics.RecordChallenge(pluginID, string(typ), true)
	return id, nil
}

func (i *Issuer) persist(ctx context.Context, id string, c Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return kv.SetJSON(ctx, i.store, keyPrefix+id, string(raw))
}

// Lookup reads a previously issued challenge. Degraded ids return kv.ErrNotFound.
func (i *Issuer) Lookup(ctx context.Context, id string) (*Challenge, error) {
	var raw string
	found, err := kv.GetJSON(ctx, i.store, keyPrefix+id, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("challenge %s: %w", id, kv.ErrNotFound)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("%w: challenge %s: %v", kv.ErrCorrupt, id, err)
	}
	return &c, nil
}

// ActivationURL is the deep link into the activation bot for a challenge.
func ActivationURL(bot, challengeID string, typ Type) string {
	start := challengeID
	if typ == Recovery {
		start = "recovery_" + challengeID
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", bot, start)
}
