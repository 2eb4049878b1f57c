package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDataRoot   = "/var/lib/plugin-entitlements"
	DefaultConfigRoot = "/etc/plugin-entitlements"
)

// ResolveDataRoot returns the directory holding the audit spool and other local state.
func ResolveDataRoot() string {
	root := os.Getenv("ENT_DATA_ROOT")
	if root == "" {
		root = DefaultDataRoot
	}
	return root
}

// ResolveConfigPath returns customPath, ENT_CONFIG, or the default config file.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	if p := os.Getenv("ENT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultConfigRoot, "config.yaml")
}

// EnsureDirs creates the standard data subdirectories under dataRoot.
func EnsureDirs(dataRoot string) error {
	for _, sub := range []string{"spool"} {
		path := filepath.Join(dataRoot, sub)
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins path elements and ensures the result is within the base directory (no traversal).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}
	return absJoined, nil
}
