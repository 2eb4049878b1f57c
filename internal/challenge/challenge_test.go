package challenge_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/plugin-entitlements/internal/challenge"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/kv/kvtest"
)

type staticFingerprint string

func (s staticFingerprint) Get(context.Context) string { return string(s) }

var issuedAt = time.UnixMilli(1718000000000)

func newIssuer(store kv.Store) *challenge.Issuer {
	return challenge.NewIssuer(store, staticFingerprint("123456abcdef"), nil).
		WithClock(func() time.Time { return issuedAt })
}

func TestIssue_IDShapeAndRecord(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	iss := newIssuer(store)

	id, err := iss.Issue(ctx, "color-target", challenge.Purchase)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^color-target_1718000000000-[0-9a-z]{8}_123456abcdef$`), id)

	c, err := iss.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "color-target", c.PluginID)
	assert.Equal(t, challenge.Purchase, c.ChallengeType)
	assert.Equal(t, "1718000000000", c.Timestamp)
	assert.Equal(t, issuedAt.Add(30*time.Minute).UnixMilli(), c.Expires)
	assert.Equal(t, "1.0", c.Version)
	assert.Equal(t, "123456abcdef", c.DeviceFingerprint)
}

func TestIssue_PersistedAsJSONString(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	id, err := newIssuer(store).Issue(ctx, "mocup-studio", challenge.Recovery)
	require.NoError(t, err)

	raw, err := store.Get(ctx, "challenge-"+id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `"{`), "challenge is stored as a JSON string")
}

func TestIssue_DefaultsToPurchase(t *testing.T) {
	ctx := context.Background()
	iss := newIssuer(kv.NewMemoryStore())
	id, err := iss.Issue(ctx, "color-target", "")
	require.NoError(t, err)
	c, err := iss.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, challenge.Purchase, c.ChallengeType)
}

func TestIssue_DegradedWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store := kvtest.NewFaulty()
	store.FailSets = true
	iss := newIssuer(store)

	id, err := iss.Issue(ctx, "color-target", challenge.Purchase)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^color-target_1718000000000-[0-9a-z]{13}$`), id)
	assert.NotContains(t, id, "123456abcdef")

	_, err = iss.Lookup(ctx, id)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestIssue_RejectsWithoutPersisting(t *testing.T) {
	store := kvtest.NewFaulty()
	iss := newIssuer(store)

	_, err := iss.Issue(context.Background(), "color-target", "gift")
	assert.ErrorIs(t, err, challenge.ErrInvalidType)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = iss.Issue(ctx, "color-target", challenge.Purchase)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, store.Sets)
}

func TestChallenge_Stale(t *testing.T) {
	c := challenge.Challenge{Expires: issuedAt.Add(challenge.TTL).UnixMilli()}
	assert.False(t, c.Stale(issuedAt.Add(29*time.Minute)))
	assert.True(t, c.Stale(issuedAt.Add(31*time.Minute)))
}

func TestActivationURL(t *testing.T) {
	assert.Equal(t,
		"https://t.me/Figma_Plugin_Bot?start=color-target_1-abc_fp",
		challenge.ActivationURL("Figma_Plugin_Bot", "color-target_1-abc_fp", challenge.Purchase))
	assert.Equal(t,
		"https://t.me/Figma_Plugin_Bot?start=recovery_color-target_1-abc_fp",
		challenge.ActivationURL("Figma_Plugin_Bot", "color-target_1-abc_fp", challenge.Recovery))
}
