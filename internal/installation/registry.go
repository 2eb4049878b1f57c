// Package installation serializes and dispatches plugin messages per installation.
package installation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/challenge"
	"github.com/technosupport/plugin-entitlements/internal/entitlement"
	"github.com/technosupport/plugin-entitlements/internal/events"
	"github.com/technosupport/plugin-entitlements/internal/fingerprint"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/licensekey"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
)

var ErrInvalidInstallation = errors.New("installation: invalid installation id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// AuditWriter is satisfied by *audit.Service.
type AuditWriter interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

type Deps struct {
	Backend   kv.Store
	Catalog   *plugin.Catalog
	Validator licensekey.ExpiryChecker
	Audit     AuditWriter
	Events    events.Publisher
	Logger    *zap.Logger
}

// Registry owns one lock per installation. Every message for an installation runs
// under its lock, so read-modify-write on entitlement state, fingerprint generation,
// and challenge creation never interleave for that installation.
type Registry struct {
	deps Deps

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	return &Registry{deps: deps, locks: make(map[string]*lockEntry)}
}

// Plugin resolves a plugin id against the catalog.
func (r *Registry) Plugin(id string) (plugin.Definition, error) {
	return r.deps.Catalog.Lookup(id)
}

// Session is the per-plugin view of one installation, valid only inside With.
type Session struct {
	InstallationID string
	Plugin         plugin.Definition
	Store          *entitlement.Store
	Meter          *entitlement.Meter
	Challenges     *challenge.Issuer
	Fingerprints   *fingerprint.Provider
}

// With runs fn holding the installation's lock.
func (r *Registry) With(ctx context.Context, installationID, pluginID string, fn func(*Session) error) error {
	if !ValidID(installationID) {
		return fmt.Errorf("%w: %q", ErrInvalidInstallation, installationID)
	}
	def, err := r.deps.Catalog.Lookup(pluginID)
	if err != nil {
		return err
	}

	unlock, err := r.lock(ctx, installationID)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(r.session(installationID, def))
}

func (r *Registry) session(installationID string, def plugin.Definition) *Session {
	scoped := kv.WithPrefix(r.deps.Backend, kv.InstallationPrefix(installationID))
	logger := r.deps.Logger.With(zap.String("installation_id", installationID))

	fp := fingerprint.NewProvider(scoped, logger)
	store := entitlement.NewStore(scoped, def, fp, r.deps.Validator, logger)
	return &Session{
		InstallationID: installationID,
		Plugin:         def,
		Store:          store,
		Meter:          entitlement.NewMeter(store),
		Challenges:     challenge.NewIssuer(scoped, fp, logger),
		Fingerprints:   fp,
	}
}

// lock acquires the installation's mutex, giving up when ctx ends first.
func (r *Registry) lock(ctx context.Context, id string) (func(), error) {
	r.mu.Lock()
	e, ok := r.locks[id]
	if !ok {
		e = &lockEntry{}
		r.locks[id] = e
	}
	e.refs++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() {
			e.mu.Unlock()
			release()
		}, nil
	case <-ctx.Done():
		// The waiter still takes the lock eventually; hand it straight back.
		go func() {
			<-acquired
			e.mu.Unlock()
			release()
		}()
		return nil, ctx.Err()
	}
}

// active reports how many installations currently hold or await a lock.
func (r *Registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
