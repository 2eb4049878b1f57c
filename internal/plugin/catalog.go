// Package plugin holds the catalog of plugins whose entitlements are served.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownPlugin = errors.New("plugin: unknown plugin")

// Definition is the per-plugin configuration of the entitlement subsystem.
type Definition struct {
	ID        string `yaml:"id" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
	KeyPrefix string `yaml:"key_prefix" validate:"required"`
	FreeLimit int    `yaml:"free_limit" validate:"gte=0"`
	BotName   string `yaml:"bot_name" validate:"required"`
}

// DefaultDefinitions are served when no catalog is configured.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "color-target", Namespace: "color-target", KeyPrefix: "CT-", FreeLimit: 5, BotName: "Figma_Plugin_Bot"},
		{ID: "mocup-studio", Namespace: "mocup-studio", KeyPrefix: "MS-", FreeLimit: 10, BotName: "Figma_Plugin_Bot"},
	}
}

// Catalog is safe for concurrent use; Replace swaps the whole set atomically.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(defs); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}
	return d, nil
}

func (c *Catalog) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	prefixes := make(map[string]string, len(defs))
	for _, d := range defs {
		if _, dup := next[d.ID]; dup {
			return fmt.Errorf("plugin: duplicate id %q", d.ID)
		}
		if other, dup := prefixes[d.KeyPrefix]; dup {
			return fmt.Errorf("plugin: key prefix %q shared by %q and %q", d.KeyPrefix, other, d.ID)
		}
		next[d.ID] = d
		prefixes[d.KeyPrefix] = d.ID
	}

	c.mu.Lock()
	c.defs = next
	c.mu.Unlock()
	return nil
}

// All returns the definitions ordered by id.
func (c *Catalog) All() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Key is the namespaced storage key for name, e.g. "color-target-pro".
func (d Definition) Key(name string) string {
	return d.Namespace + "-" + name
}
