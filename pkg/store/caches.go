package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// Caches lists, opens and deletes cache generations of one backend.
// It is the only way the rest of the agent touches storage.
type Caches struct {
	backend Backend
}

// NewCaches wraps a backend.
func NewCaches(backend Backend) *Caches {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	return &Caches{backend: backend}
}

// Backend returns the underlying backend.
func (c *Caches) Backend() Backend {
	return c.backend
}

// Open returns the handle for a generation, creating it if absent.
func (c *Caches) Open(ctx context.Context, name string) (*Handle, error) {
	h, _, err := c.OpenNew(ctx, name)
	return h, err
}

// OpenNew is Open that also reports whether this call created the generation.
func (c *Caches) OpenNew(ctx context.Context, name string) (*Handle, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("cache name cannot be empty")
	}
	created, err := c.backend.Create(ctx, name)
	if err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, false, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &Handle{name: name, backend: c.backend}, created, nil
}

// Has reports whether a generation exists.
func (c *Caches) Has(ctx context.Context, name string) (bool, error) {
	return c.backend.Exists(ctx, name)
}

// Names lists generations in creation order.
func (c *Caches) Names(ctx context.Context) ([]string, error) {
	names, err := c.backend.Names(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("names").Inc()
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

// Delete removes a generation and everything in it. It reports whether the
// generation existed.
func (c *Caches) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := c.backend.Drop(ctx, name)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return existed, nil
}

// Restorable returns the newest generation marked StatusActivated, so a
// restarted process can serve it again without fetching.
func (c *Caches) Restorable(ctx context.Context) (string, bool, error) {
	names, err := c.Names(ctx)
	if err != nil {
		return "", false, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		h := &Handle{name: names[i], backend: c.backend}
		status, err := h.Status(ctx)
		if err != nil {
			return "", false, err
		}
		if status == StatusActivated {
			return names[i], true, nil
		}
	}
	return "", false, nil
}

// Handle is a view on one cache generation.
type Handle struct {
	name    string
	backend Backend
}

// Name returns the generation name (the cache version identifier).
func (h *Handle) Name() string {
	return h.name
}

// Match looks up the snapshot stored for req.
// Returns ErrCacheMiss when nothing is stored.
func (h *Handle) Match(ctx context.Context, req *http.Request) (*Snapshot, error) {
	return h.MatchKey(ctx, KeyFor(req))
}

// MatchKey looks up the snapshot stored under key.
func (h *Handle) MatchKey(ctx context.Context, key RequestKey) (*Snapshot, error) {
	data, err := h.backend.Get(ctx, h.name, key.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(h.backend.Name()).Inc()
	return &snap, nil
}

// Put stores snap as the entry for req, replacing any previous entry.
func (h *Handle) Put(ctx context.Context, req *http.Request, snap *Snapshot) error {
	return h.PutKey(ctx, KeyFor(req), snap)
}

// PutKey stores snap under key.
func (h *Handle) PutKey(ctx context.Context, key RequestKey, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snap.URL == "" {
		snap.URL = key.URL
	}
	if snap.Method == "" {
		snap.Method = key.Method
	}

	data, err := json.Marshal(snap)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := h.backend.Set(ctx, h.name, key.String(), data); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("put %s: cache %q no longer exists: %w", key, h.name, err)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}

	EntryBytes.Observe(float64(len(data)))
	return nil
}

// Keys lists the request keys stored in the generation, sorted.
func (h *Handle) Keys(ctx context.Context) ([]RequestKey, error) {
	raw, err := h.backend.Keys(ctx, h.name)
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("keys of %q: %w", h.name, err)
	}
	sort.Strings(raw)

	keys := make([]RequestKey, 0, len(raw))
	for _, s := range raw {
		if k, ok := ParseKey(s); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// GenerationStatus records how far a generation got through its lifecycle.
type GenerationStatus string

const (
	// StatusComplete means every precache entry was stored.
	StatusComplete GenerationStatus = "complete"

	// StatusActivated means the generation was activated at least once.
	StatusActivated GenerationStatus = "activated"
)

// statusKey is not a valid RequestKey, so Keys never lists it.
const statusKey = "#status"

// SetStatus records the generation status.
func (h *Handle) SetStatus(ctx context.Context, status GenerationStatus) error {
	if err := h.backend.Set(ctx, h.name, statusKey, []byte(status)); err != nil {
		CacheErrors.WithLabelValues("status").Inc()
		return fmt.Errorf("set status of %q: %w", h.name, err)
	}
	return nil
}

// Status returns the recorded generation status, or "" when none was
// recorded (a partially written generation).
func (h *Handle) Status(ctx context.Context) (GenerationStatus, error) {
	data, err := h.backend.Get(ctx, h.name, statusKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		CacheErrors.WithLabelValues("status").Inc()
		return "", fmt.Errorf("status of %q: %w", h.name, err)
	}
	return GenerationStatus(data), nil
}
