package licensekey_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/plugin-entitlements/internal/licensekey"
	"github.com/technosupport/plugin-entitlements/internal/subscription"
)

const device = "123456abcdef"

type staticFingerprint string

func (s staticFingerprint) Get(context.Context) string { return string(s) }

// checker compares against a fixed instant and counts calls.
type checker struct {
	now      time.Time
	fallback bool
	calls    int
}

func (c *checker) CheckExpiry(_ context.Context, e time.Time) subscription.Validation {
	c.calls++
	return subscription.Validation{
		IsExpired:     subscription.IsExpired(e, c.now),
		DaysRemaining: subscription.DaysRemaining(e, c.now),
		CheckedAt:     c.now,
		FallbackUsed:  c.fallback,
	}
}

var now = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func newDecoder(c *checker) *licensekey.Decoder {
	return licensekey.NewDecoder("color-target", "CT-", staticFingerprint(device), c)
}

func mustEncode(t *testing.T, p licensekey.Payload) string {
	t.Helper()
	key, err := licensekey.Encode("CT-", p)
	require.NoError(t, err)
	return key
}

func requireKind(t *testing.T, err error, kind licensekey.Kind) *licensekey.Error {
	t.Helper()
	var kerr *licensekey.Error
	require.True(t, errors.As(err, &kerr), "expected *licensekey.Error, got %v", err)
	assert.Equal(t, kind, kerr.Kind)
	return kerr
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := []licensekey.Payload{
		{SubscriptionType: licensekey.Lifetime, PluginID: "color-target"},
		{
			SubscriptionType: licensekey.Monthly,
			PluginID:         "color-target",
			PersonalKey:      true,
			TargetUserID:     device,
			ExpirationDate:   licensekey.At(now.Add(30 * 24 * time.Hour)),
			PurchaseDate:     licensekey.At(now.Add(-time.Hour)),
			AdminGenerated:   true,
		},
		{SubscriptionType: licensekey.Reset, PluginID: "color-target", AdminGenerated: true},
	}

	for _, p := range payloads {
		t.Run(string(p.SubscriptionType), func(t *testing.T) {
			got, err := newDecoder(&checker{now: now}).Decode(context.Background(), mustEncode(t, p))
			require.NoError(t, err)
			assert.Equal(t, p, got.Payload)
		})
	}
}

func TestDecode_Format(t *testing.T) {
	d := newDecoder(&checker{now: now})
	for _, raw := range []string{"", "   ", "MS-eyJ9", "ct-abc", "CTabc"} {
		_, err := d.Decode(context.Background(), raw)
		kerr := requireKind(t, err, licensekey.KindFormat)
		assert.Equal(t, "Invalid key format", kerr.Message)
	}
}

func TestDecode_Validation(t *testing.T) {
	d := newDecoder(&checker{now: now})

	cases := map[string]string{
		"not base64":       "CT-***",
		"not json":         "CT-" + base64.StdEncoding.EncodeToString([]byte("hello")),
		"missing type":     mustEncode(t, licensekey.Payload{PluginID: "color-target"}),
		"missing plugin":   mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Lifetime}),
		"other plugin":     mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Lifetime, PluginID: "mocup-studio"}),
		"bad date":         "CT-" + base64.StdEncoding.EncodeToString([]byte(`{"subscriptionType":"monthly","pluginId":"color-target","expirationDate":"soon"}`)),
		"wrong field type": "CT-" + base64.StdEncoding.EncodeToString([]byte(`{"subscriptionType":"monthly","pluginId":42}`)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(context.Background(), raw)
			kerr := requireKind(t, err, licensekey.KindValidation)
			assert.Equal(t, "Invalid or corrupted key", kerr.Message)
		})
	}
}

func TestDecode_UnpaddedBase64(t *testing.T) {
	body := base64.RawStdEncoding.EncodeToString([]byte(`{"subscriptionType":"lifetime","pluginId":"color-target"}`))
	got, err := newDecoder(&checker{now: now}).Decode(context.Background(), "CT-"+body)
	require.NoError(t, err)
	assert.True(t, got.IsLifetime())
}

func TestDecode_DeviceBinding(t *testing.T) {
	d := newDecoder(&checker{now: now})

	variants := []licensekey.Payload{
		{SubscriptionType: licensekey.Lifetime, PluginID: "color-target", PersonalKey: true, TargetUserID: "zzzzzz999999"},
		{SubscriptionType: licensekey.Reset, PluginID: "color-target", PersonalKey: true, TargetUserID: "other"},
		{SubscriptionType: licensekey.Monthly, PluginID: "color-target", PersonalKey: true, TargetUserID: "other", ExpirationDate: licensekey.At(now.Add(-time.Hour))},
		{SubscriptionType: licensekey.Yearly, PluginID: "color-target", PersonalKey: true},
	}
	for _, p := range variants {
		_, err := d.Decode(context.Background(), mustEncode(t, p))
		kerr := requireKind(t, err, licensekey.KindDeviceMismatch)
		assert.Equal(t, "This key is bound to a different device", kerr.Message)
	}

	bound := licensekey.Payload{SubscriptionType: licensekey.Lifetime, PluginID: "color-target", PersonalKey: true, TargetUserID: device}
	_, err := d.Decode(context.Background(), mustEncode(t, bound))
	assert.NoError(t, err)

	unbound := licensekey.Payload{SubscriptionType: licensekey.Lifetime, PluginID: "color-target", TargetUserID: "ignored"}
	_, err = d.Decode(context.Background(), mustEncode(t, unbound))
	assert.NoError(t, err, "targetUserId only binds personal keys")
}

func TestDecode_Expired(t *testing.T) {
	past := licensekey.Payload{SubscriptionType: licensekey.Monthly, PluginID: "color-target", ExpirationDate: licensekey.At(now.Add(-24 * time.Hour))}

	_, err := newDecoder(&checker{now: now}).Decode(context.Background(), mustEncode(t, past))
	assert.Equal(t, "Key has expired (server verified)", requireKind(t, err, licensekey.KindExpired).Message)

	_, err = newDecoder(&checker{now: now, fallback: true}).Decode(context.Background(), mustEncode(t, past))
	assert.Equal(t, "Key has expired (local time check)", requireKind(t, err, licensekey.KindExpired).Message)
}

func TestDecode_ExpiryCheckedOnlyForTermKeys(t *testing.T) {
	past := licensekey.At(now.Add(-24 * time.Hour))
	c := &checker{now: now}
	d := newDecoder(c)

	got, err := d.Decode(context.Background(), mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Reset, PluginID: "color-target", ExpirationDate: past}))
	require.NoError(t, err)
	assert.True(t, got.IsReset())

	_, err = d.Decode(context.Background(), mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Lifetime, PluginID: "color-target", ExpirationDate: past}))
	require.NoError(t, err)

	got, err = d.Decode(context.Background(), mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Monthly, PluginID: "color-target"}))
	require.NoError(t, err)
	assert.Nil(t, got.Validation)

	assert.Equal(t, 0, c.calls)

	got, err = d.Decode(context.Background(), mustEncode(t, licensekey.Payload{SubscriptionType: licensekey.Monthly, PluginID: "color-target", ExpirationDate: licensekey.At(now.Add(36 * time.Hour))}))
	require.NoError(t, err)
	require.NotNil(t, got.Validation)
	assert.Equal(t, 2, got.Validation.DaysRemaining)
	assert.Equal(t, 1, c.calls)
}

func TestTimestamp_AcceptsISOAndMillis(t *testing.T) {
	want := time.Date(2025, 2, 1, 10, 30, 0, 0, time.UTC)
	for _, raw := range []string{
		`{"subscriptionType":"monthly","pluginId":"color-target","expirationDate":"2025-02-01T10:30:00.000Z"}`,
		`{"subscriptionType":"monthly","pluginId":"color-target","expirationDate":1738405800000}`,
	} {
		got, err := newDecoder(&checker{now: now}).Decode(context.Background(), "CT-"+base64.StdEncoding.EncodeToString([]byte(raw)))
		require.NoError(t, err)
		assert.True(t, want.Equal(got.Payload.ExpirationDate.Time))
		assert.Equal(t, want.UnixMilli(), got.Payload.ExpirationDate.Millis())
	}
}

func TestDecode_FalsyExpirationDateIsUnset(t *testing.T) {
	for _, v := range []string{`""`, `0`, `null`, `false`} {
		t.Run(v, func(t *testing.T) {
			c := &checker{now: now}
			raw := `{"subscriptionType":"monthly","pluginId":"color-target","expirationDate":` + v + `,"purchaseDate":""}`

			got, err := newDecoder(c).Decode(context.Background(), "CT-"+base64.StdEncoding.EncodeToString([]byte(raw)))

			require.NoError(t, err)
			assert.Nil(t, got.Payload.ExpirationDate)
			assert.Nil(t, got.Payload.PurchaseDate)
			assert.Equal(t, int64(0), got.Payload.ExpirationDate.Millis())
			assert.Equal(t, 0, c.calls, "no expiry check without a date")
		})
	}
}
