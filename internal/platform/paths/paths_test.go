package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRoots(t *testing.T) {
	t.Setenv("ENT_DATA_ROOT", "")
	t.Setenv("ENT_CONFIG", "")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())
	assert.Equal(t, filepath.Join(DefaultConfigRoot, "config.yaml"), ResolveConfigPath(""))

	t.Setenv("ENT_DATA_ROOT", "/srv/ent")
	t.Setenv("ENT_CONFIG", "/srv/ent/config.yaml")
	assert.Equal(t, "/srv/ent", ResolveDataRoot())
	assert.Equal(t, "/srv/ent/config.yaml", ResolveConfigPath(""))
	assert.Equal(t, "custom.yaml", ResolveConfigPath("custom.yaml"))
}

func TestSafeJoin(t *testing.T) {
	base := "/var/lib/ent"

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"spool", "audit.log"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"spool", "..", "..", "secrets"}, false},
		{"sibling_prefix", []string{"..", "ent-other"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else if assert.Error(t, err) {
				assert.Contains(t, err.Error(), "traversal")
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDirs(root))
	assert.DirExists(t, filepath.Join(root, "spool"))
}
