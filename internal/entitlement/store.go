// Package entitlement keeps the persisted pro/free-tier state of one plugin on one
// installation and gates metered actions on it.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/fingerprint"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/licensekey"
	"github.com/technosupport/plugin-entitlements/internal/metrics"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
)

// Store is not safe for concurrent read-modify-write; callers serialize access per
// installation.
type Store struct {
	kv        kv.Store
	plugin    plugin.Definition
	validator licensekey.ExpiryChecker
	decoder   *licensekey.Decoder
	logger    *zap.Logger
}

// NewStore binds def to an installation-scoped key space.
func NewStore(store kv.Store, def plugin.Definition, fingerprints fingerprint.Source, validator licensekey.ExpiryChecker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:        store,
		plugin:    def,
		validator: validator,
		decoder:   licensekey.NewDecoder(def.ID, def.KeyPrefix, fingerprints, validator),
		logger:    logger.With(zap.String("plugin_id", def.ID)),
	}
}

func (s *Store) Plugin() plugin.Definition {
	return s.plugin
}

type record struct {
	isPro   bool
	expiry  int64
	usage   int
	keyInfo *KeyInfo
}

func (s *Store) load(ctx context.Context) (record, error) {
	var r record
	if _, err := kv.GetJSON(ctx, s.kv, s.plugin.Key(keyPro), &r.isPro); err != nil {
		return r, err
	}
	if _, err := kv.GetJSON(ctx, s.kv, s.plugin.Key(keyExpiry), &r.expiry); err != nil {
		return r, err
	}
	usage, err := s.usage(ctx)
	if err != nil {
		return r, err
	}
	r.usage = usage

	var raw string
	found, err := kv.GetJSON(ctx, s.kv, s.plugin.Key(keyKeyInfo), &raw)
	switch {
	case errors.Is(err, kv.ErrCorrupt):
		s.logger.Warn("ignoring unreadable key info", zap.Error(err))
	case err != nil:
		return r, err
	case found && raw != "":
		var ki KeyInfo
		if err := json.Unmarshal([]byte(raw), &ki); err != nil {
			s.logger.Warn("ignoring unreadable key info", zap.Error(err))
		} else {
			r.keyInfo = &ki
		}
	}
	return r, nil
}

func (s *Store) usage(ctx context.Context) (int, error) {
	var n int
	if _, err := kv.GetJSON(ctx, s.kv, s.plugin.Key(keyUsageCount), &n); err != nil {
		return 0, err
	}
	return max(n, 0), nil
}

func (s *Store) defaults() Info {
	return Info{RemainingUses: s.plugin.FreeLimit, Degraded: true}
}

func (s *Store) remaining(usage int) int {
	return max(0, s.plugin.FreeLimit-usage)
}

// Read returns the current entitlement, downgrading an expired subscription once.
// Storage failures yield free-tier defaults.
func (s *Store) Read(ctx context.Context) Info {
	r, err := s.load(ctx)
	if err != nil {
		s.logger.Warn("entitlement read failed, using free-tier defaults", zap.Error(err))
		return s.defaults()
	}

	info := Info{UsageCount: r.usage, ExpiryTime: r.expiry, KeyInfo: r.keyInfo}
	active := r.isPro

	if r.isPro && r.expiry > 0 {
		v := s.validator.CheckExpiry(ctx, time.UnixMilli(r.expiry))
		if v.IsExpired {
			active = false
			info.Downgraded = true
			s.downgrade(ctx, validationSnapshot{
				IsExpired:     true,
				DaysRemaining: v.DaysRemaining,
				ServerTime:    v.ServerTime,
				CheckedAt:     v.CheckedAt,
				FallbackUsed:  v.FallbackUsed,
			})
		} else {
			if v.DaysRemaining <= ExpiryWarningDays {
				days := v.DaysRemaining
				info.ExpiryWarning = true
				info.DaysUntilExpiry = &days
			}
			info.ServerValidation = &ServerValidation{
				ServerTime:   v.ServerTime,
				CheckedAt:    v.CheckedAt,
				FallbackUsed: v.FallbackUsed,
			}
		}
	}

	info.IsPro = active
	if active {
		info.RemainingUses = Unlimited
	} else {
		info.RemainingUses = s.remaining(r.usage)
	}
	return info
}

// downgrade is one-way: nothing but a new key sets pro again.
func (s *Store) downgrade(ctx context.Context, snap validationSnapshot) {
	if err := kv.SetJSON(ctx, s.kv, s.plugin.Key(keyPro), false); err != nil {
		s.logger.Error("failed to persist subscription downgrade", zap.Error(err))
		return
	}
	metrics.DowngradesTotal.WithLabelValues(s.plugin.ID).Inc()
	s.logger.Info("subscription expired, downgraded to free tier",
		zap.Bool("fallback_used", snap.FallbackUsed))

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := kv.SetJSON(ctx, s.kv, LastValidationKey, string(raw)); err != nil {
		s.logger.Warn("failed to persist validation snapshot", zap.Error(err))
	}
}

// IncrementUsage adds exactly one use and returns the new count.
func (s *Store) IncrementUsage(ctx context.Context) (int, error) {
	n, err := s.usage(ctx)
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	n++
	if err := kv.SetJSON(ctx, s.kv, s.plugin.Key(keyUsageCount), n); err != nil {
		return 0, fmt.Errorf("write usage: %w", err)
	}
	return n, nil
}

// ApplyKey persists a decoded key. A reset key is the only path that clears usage.
func (s *Store) ApplyKey(ctx context.Context, d *licensekey.Decoded) (Outcome, error) {
	if d.IsReset() {
		if err := s.reset(ctx); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true, Action: ActionReset, Message: "Subscription reset successfully", Payload: &d.Payload}, nil
	}

	p := d.Payload
	var expiry int64
	if !d.IsLifetime() {
		expiry = p.ExpirationDate.Millis()
	}

	ki := &KeyInfo{
		SubscriptionType: p.SubscriptionType,
		PurchaseDate:     p.PurchaseDate,
		ExpirationDate:   p.ExpirationDate,
		IsAdminGenerated: p.AdminGenerated,
	}
	if d.Validation != nil {
		days := d.Validation.DaysRemaining
		ki.DaysRemaining = &days
	}
	rawInfo, err := json.Marshal(ki)
	if err != nil {
		return Outcome{}, err
	}

	err = s.writeAll(ctx, []write{
		{keyExpiry, expiry},
		{keyKeyInfo, string(rawInfo)},
		{keyPro, true},
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Success: true,
		Action:  ActionActivate,
		Message: fmt.Sprintf("%s subscription activated successfully", p.SubscriptionType),
		KeyInfo: ki,
		Payload: &p,
	}, nil
}

func (s *Store) reset(ctx context.Context) error {
	return s.writeAll(ctx, []write{
		{keyPro, false},
		{keyExpiry, 0},
		{keyUsageCount, 0},
	})
}

type write struct {
	name  string
	value any
}

// unsetValues are written back for keys that did not exist before a failed writeAll.
var unsetValues = map[string][]byte{
	keyPro:        []byte("false"),
	keyExpiry:     []byte("0"),
	keyUsageCount: []byte("0"),
	keyKeyInfo:    []byte(`""`),
}

// writeAll applies writes in order. If one fails, the keys already written are
// restored to their prior values so a failed call leaves the record as it was.
func (s *Store) writeAll(ctx context.Context, writes []write) error {
	prior := make([][]byte, len(writes))
	for i, w := range writes {
		raw, err := s.kv.Get(ctx, s.plugin.Key(w.name))
		switch {
		case errors.Is(err, kv.ErrNotFound):
			raw = unsetValues[w.name]
		case err != nil:
			return fmt.Errorf("snapshot %s: %w", w.name, err)
		}
		prior[i] = raw
	}

	for i, w := range writes {
		if err := kv.SetJSON(ctx, s.kv, s.plugin.Key(w.name), w.value); err != nil {
			s.rollback(ctx, writes[:i], prior[:i])
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, done []write, prior [][]byte) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := s.kv.Set(ctx, s.plugin.Key(done[i].name), prior[i]); err != nil {
			s.logger.Error("failed to restore entitlement field after failed write",
				zap.String("field", done[i].name), zap.Error(err))
		}
	}
}

// Activate decodes and applies rawKey. Every failure is reported in the Outcome.
func (s *Store) Activate(ctx context.Context, rawKey string) Outcome {
	out := s.activate(ctx, rawKey)
	label := string(out.Action)
	if !out.Success {
		label = string(out.Error)
	}
	metrics.RecordActivation(s.plugin.ID, label)
	return out
}

func (s *Store) activate(ctx context.Context, rawKey string) Outcome {
	d, err := s.decoder.Decode(ctx, rawKey)
	if err != nil {
		var kerr *licensekey.Error
		if errors.As(err, &kerr) {
			s.logger.Info("key rejected", zap.String("kind", string(kerr.Kind)), zap.Error(kerr.Err))
			return Outcome{Error: kerr.Kind, Message: kerr.Message}
		}
		s.logger.Error("key activation failed", zap.Error(err))
		return Outcome{Error: licensekey.KindNetwork, Message: licensekey.MsgNetwork}
	}

	out, err := s.ApplyKey(ctx, d)
	if err != nil {
		s.logger.Error("key activation failed", zap.Error(err))
		return Outcome{Error: licensekey.KindNetwork, Message: licensekey.MsgNetwork, Payload: &d.Payload}
	}
	s.logger.Info("key applied",
		zap.String("action", string(out.Action)),
		zap.String("subscription_type", string(d.Payload.SubscriptionType)))
	return out
}

// Language is the stored UI language, DefaultLanguage when unset or unreadable.
func (s *Store) Language(ctx context.Context) string {
	var lang string
	found, err := kv.GetJSON(ctx, s.kv, s.plugin.Key(keyLanguage), &lang)
	if err != nil {
		s.logger.Warn("language read failed", zap.Error(err))
		return DefaultLanguage
	}
	if !found || lang == "" {
		return DefaultLanguage
	}
	return lang
}

func (s *Store) SetLanguage(ctx context.Context, lang string) error {
	return kv.SetJSON(ctx, s.kv, s.plugin.Key(keyLanguage), lang)
}
