// Package kvtest provides store doubles for package tests.
package kvtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/technosupport/plugin-entitlements/internal/kv"
)

var ErrInjected = errors.New("kvtest: injected failure")

// Faulty wraps a MemoryStore and fails reads or writes for keys matching FailPrefix,
// or only the exact key FailKey when it is set.
type Faulty struct {
	*kv.MemoryStore

	mu         sync.Mutex
	FailGets   bool
	FailSets   bool
	FailPrefix string
	FailKey    string
	Sets       []string
}

func NewFaulty() *Faulty {
	return &Faulty{MemoryStore: kv.NewMemoryStore()}
}

func (f *Faulty) matches(key string) bool {
	if f.FailKey != "" {
		return key == f.FailKey
	}
	return f.FailPrefix == "" || strings.HasPrefix(key, f.FailPrefix)
}

func (f *Faulty) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.FailGets && f.matches(key)
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *Faulty) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.FailSets && f.matches(key)
	if !fail {
		f.Sets = append(f.Sets, key)
	}
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.MemoryStore.Set(ctx, key, value)
}

// SetCount reports how many successful writes hit key.
func (f *Faulty) SetCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.Sets {
		if k == key {
			n++
		}
	}
	return n
}
