// Package licensekey encodes and validates offline-issued activation keys of the form
// <PREFIX>-<base64 JSON>.
package licensekey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/technosupport/plugin-entitlements/internal/fingerprint"
	"github.com/technosupport/plugin-entitlements/internal/subscription"
)

// MaxKeyLength bounds the raw key accepted for decoding.
const MaxKeyLength = 8 * 1024

// ExpiryChecker is satisfied by *subscription.Validator.
type ExpiryChecker interface {
	CheckExpiry(ctx context.Context, expiration time.Time) subscription.Validation
}

// Decoded is a key that passed every check and is ready to be applied.
type Decoded struct {
	Payload Payload
	// Validation is set when the key's expiration was checked against trusted time.
	Validation *subscription.Validation
}

func (d *Decoded) IsReset() bool {
	return d.Payload.SubscriptionType == Reset
}

func (d *Decoded) IsLifetime() bool {
	return d.Payload.SubscriptionType == Lifetime
}

type Decoder struct {
	pluginID     string
	prefix       string
	fingerprints fingerprint.Source
	expiry       ExpiryChecker
}

func NewDecoder(pluginID, prefix string, fingerprints fingerprint.Source, expiry ExpiryChecker) *Decoder {
	return &Decoder{pluginID: pluginID, prefix: prefix, fingerprints: fingerprints, expiry: expiry}
}

// Decode runs the checks in order: prefix, payload, plugin binding, device binding,
// then expiry for keys that are neither lifetime nor reset.
func (d *Decoder) Decode(ctx context.Context, raw string) (*Decoded, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, d.prefix) || len(raw) > MaxKeyLength {
		return nil, newError(KindFormat, MsgFormat, nil)
	}

	p, err := parsePayload(strings.TrimPrefix(raw, d.prefix))
	if err != nil {
		return nil, newError(KindValidation, MsgValidation, err)
	}
	if p.SubscriptionType == "" || p.PluginID == "" {
		return nil, newError(KindValidation, MsgValidation, errors.New("missing required fields"))
	}
	if p.PluginID != d.pluginID {
		return nil, newError(KindValidation, MsgValidation, errors.New("key is for a different plugin"))
	}

	if p.PersonalKey && p.TargetUserID != d.fingerprints.Get(ctx) {
		return nil, newError(KindDeviceMismatch, MsgDeviceMismatch, nil)
	}

	out := &Decoded{Payload: *p}
	if out.IsReset() || out.IsLifetime() || p.ExpirationDate == nil {
		return out, nil
	}

	v := d.expiry.CheckExpiry(ctx, p.ExpirationDate.Time)
	if v.IsExpired {
		msg := MsgExpiredServer
		if v.FallbackUsed {
			msg = MsgExpiredLocal
		}
		return nil, newError(KindExpired, msg, nil)
	}
	out.Validation = &v
	return out, nil
}

func parsePayload(body string) (*Payload, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
		if err != nil {
			return nil, err
		}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.ExpirationDate = unsetIfZero(p.ExpirationDate)
	p.PurchaseDate = unsetIfZero(p.PurchaseDate)
	return &p, nil
}

func unsetIfZero(ts *Timestamp) *Timestamp {
	if ts == nil || ts.IsZero() {
		return nil
	}
	return ts
}

// Encode renders p in wire form under prefix.
func Encode(prefix string, p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return prefix + base64.StdEncoding.EncodeToString(data), nil
}
