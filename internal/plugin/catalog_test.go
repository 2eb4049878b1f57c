package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/plugin-entitlements/internal/plugin"
)

func TestCatalog_Defaults(t *testing.T) {
	c, err := plugin.NewCatalog(plugin.DefaultDefinitions())
	require.NoError(t, err)

	ct, err := c.Lookup("color-target")
	require.NoError(t, err)
	assert.Equal(t, 5, ct.FreeLimit)
	assert.Equal(t, "CT-", ct.KeyPrefix)
	assert.Equal(t, "color-target-usage-count", ct.Key("usage-count"))

	ms, err := c.Lookup("mocup-studio")
	require.NoError(t, err)
	assert.Equal(t, 10, ms.FreeLimit)

	_, err = c.Lookup("nope")
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
}

func TestCatalog_ReplaceRejectsDuplicates(t *testing.T) {
	c, err := plugin.NewCatalog(plugin.DefaultDefinitions())
	require.NoError(t, err)

	err = c.Replace([]plugin.Definition{
		{ID: "a", Namespace: "a", KeyPrefix: "X-", BotName: "b"},
		{ID: "b", Namespace: "b", KeyPrefix: "X-", BotName: "b"},
	})
	assert.Error(t, err)

	_, err = c.Lookup("color-target")
	assert.NoError(t, err, "failed replace keeps the previous catalog")
}

func TestCatalog_ReplaceSwapsSet(t *testing.T) {
	c, err := plugin.NewCatalog(plugin.DefaultDefinitions())
	require.NoError(t, err)

	require.NoError(t, c.Replace([]plugin.Definition{{ID: "new", Namespace: "new", KeyPrefix: "NW-", FreeLimit: 3, BotName: "bot"}}))

	_, err = c.Lookup("color-target")
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].ID)
}
