// Package lifecycle manages install and activation of one versioned cache
// generation.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/precache"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Host is the part of the host runtime the lifecycle drives.
type Host interface {
	// SkipWaiting asks the host to activate the installed version without
	// waiting for the current one to release its clients.
	SkipWaiting(ctx context.Context) error

	// ClaimClients makes the active version control every open client.
	ClaimClients(ctx context.Context) error
}

// Config holds the manager configuration.
type Config struct {
	// Version names the cache generation, e.g. "salary-plan-v1.0"
	Version string

	// Scope is the absolute URL manifest entries are resolved against
	Scope *url.URL

	// Manifest lists the entries to precache, relative to Scope
	Manifest []string

	// Caches is the cache registry
	Caches *store.Caches

	// Fetcher fetches the manifest during install
	Fetcher *precache.Fetcher

	// Host receives skip-waiting and claim requests
	Host Host
}

// Manager runs the lifecycle of one version.
type Manager struct {
	version  string
	manifest []string
	caches   *store.Caches
	fetcher  *precache.Fetcher
	host     Host
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu     sync.RWMutex
	state  State
	handle *store.Handle
}

// New creates a manager in the Uninstalled state.
func New(cfg Config) (*Manager, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if cfg.Scope == nil || !cfg.Scope.IsAbs() {
		return nil, fmt.Errorf("scope must be an absolute URL")
	}
	if cfg.Caches == nil {
		return nil, fmt.Errorf("caches are required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("host is required")
	}

	manifest, err := ResolveManifest(cfg.Scope, cfg.Manifest)
	if err != nil {
		return nil, err
	}

	return &Manager{
		version:  cfg.Version,
		manifest: manifest,
		caches:   cfg.Caches,
		fetcher:  cfg.Fetcher,
		host:     cfg.Host,
		logger:   logging.NewVersionLogger("lifecycle", cfg.Version),
		tracer:   otel.Tracer("github.com/Sternrassler/offline-agent/pkg/lifecycle"),
		state:    Uninstalled,
	}, nil
}

// ResolveManifest resolves every entry against scope, keeping order.
func ResolveManifest(scope *url.URL, entries []string) ([]string, error) {
	resolved := make([]string, 0, len(entries))
	for _, entry := range entries {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		u := scope.ResolveReference(ref)
		u.Fragment = ""
		resolved = append(resolved, u.String())
	}
	return resolved, nil
}

// Version returns the cache generation name.
func (m *Manager) Version() string {
	return m.version
}

// Manifest returns the resolved manifest URLs.
func (m *Manager) Manifest() []string {
	return append([]string(nil), m.manifest...)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveHandle returns the store handle while the version is Active, nil
// otherwise.
func (m *Manager) ActiveHandle() *store.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Active {
		return nil
	}
	return m.handle
}

// transition moves from one of the allowed states to next.
func (m *Manager) transition(next State, allowed ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range allowed {
		if m.state == s {
			m.logger.Info().
				Str("from", m.state.String()).
				Str("to", next.String()).
				Msg("Lifecycle transition")
			m.state = next
			Transitions.WithLabelValues(next.String()).Inc()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
}

// Install opens the version's store, fetches every manifest entry and stores
// them. Either the whole manifest is stored or the install fails: on failure
// nothing fetched is written, a store created by this attempt is removed, and
// the manager becomes Redundant. On success the host is asked to skip waiting.
func (m *Manager) Install(ctx context.Context) (err error) {
	if err := m.transition(Installing, Uninstalled); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.install", trace.WithAttributes(
		attribute.String("cache.version", m.version),
		attribute.Int("precache.entries", len(m.manifest)),
	))
	start := time.Now()
	defer func() {
		InstallDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	handle, created, err := m.caches.OpenNew(ctx, m.version)
	if err != nil {
		m.fail()
		return fmt.Errorf("install %s: open cache: %w", m.version, err)
	}

	if err := m.populate(ctx, handle); err != nil {
		if created {
			if _, derr := m.caches.Delete(context.WithoutCancel(ctx), m.version); derr != nil {
				m.logger.Warn().Err(derr).Msg("Failed to remove cache of failed install")
			}
		}
		m.fail()
		m.logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", m.version, err)
	}

	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()

	if err := m.transition(Installed, Installing); err != nil {
		return err
	}

	m.logger.Info().
		Int("entries", len(m.manifest)).
		Dur("duration", time.Since(start)).
		Msg("Install complete")

	if err := m.host.SkipWaiting(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Skip waiting failed")
	}
	return nil
}

func (m *Manager) populate(ctx context.Context, handle *store.Handle) error {
	results, err := m.fetcher.FetchAll(ctx, m.manifest)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := handle.Put(ctx, r.Request, r.Snapshot); err != nil {
			return fmt.Errorf("store %s: %w", r.Request.URL, err)
		}
	}

	// a reinstall of an activated generation keeps it restorable
	status, err := handle.Status(ctx)
	if err != nil {
		return err
	}
	if status == store.StatusActivated {
		return nil
	}
	return handle.SetStatus(ctx, store.StatusComplete)
}

func (m *Manager) fail() {
	if err := m.transition(Redundant, Installing); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to mark install redundant")
	}
}

// Activate deletes every generation other than this version, then asks the
// host to claim clients. Deletion failures are logged and do not fail
// activation.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition(Activating, Installed); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.activate", trace.WithAttributes(
		attribute.String("cache.version", m.version),
	))
	defer span.End()

	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()
	if err := handle.SetStatus(ctx, store.StatusActivated); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to mark cache activated")
	}

	deleted := m.evictStale(ctx)
	span.SetAttributes(attribute.Int("cache.stale_deleted", deleted))

	if err := m.transition(Active, Activating); err != nil {
		return err
	}

	if err := m.host.ClaimClients(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Claim clients failed")
	}
	return nil
}

// evictStale deletes stale generations in parallel and returns how many went.
func (m *Manager) evictStale(ctx context.Context) int {
	names, err := m.caches.Names(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list caches, skipping eviction")
		return 0
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
	)
	for _, name := range names {
		if name == m.version {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			existed, err := m.caches.Delete(ctx, name)
			if err != nil {
				m.logger.Warn().Err(err).Str("cache", name).Msg("Failed to delete stale cache")
				return
			}
			if existed {
				StaleDeleted.Inc()
				mu.Lock()
				deleted++
				mu.Unlock()
				m.logger.Info().Str("cache", name).Msg("Deleted stale cache")
			}
		}(name)
	}
	wg.Wait()
	return deleted
}

// Restore makes the version Active again from the generation an earlier
// process installed and activated, without fetching anything. Stale
// generations are left for the next activation to evict.
func (m *Manager) Restore(ctx context.Context) error {
	if state := m.State(); state != Uninstalled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, Active)
	}

	ok, err := m.caches.Has(ctx, m.version)
	if err != nil {
		return fmt.Errorf("restore %s: %w", m.version, err)
	}
	if !ok {
		return fmt.Errorf("restore %s: %w", m.version, ErrNotRestorable)
	}

	handle, err := m.caches.Open(ctx, m.version)
	if err != nil {
		return fmt.Errorf("restore %s: %w", m.version, err)
	}
	status, err := handle.Status(ctx)
	if err != nil {
		return fmt.Errorf("restore %s: %w", m.version, err)
	}
	if status != store.StatusActivated {
		return fmt.Errorf("restore %s: %w", m.version, ErrNotRestorable)
	}

	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()

	if err := m.transition(Active, Uninstalled); err != nil {
		return err
	}
	m.logger.Info().Msg("Restored cache from storage")
	return nil
}

// Retire marks an Active version as superseded.
func (m *Manager) Retire() error {
	return m.transition(Retired, Active)
}
