package store

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the request has no entry in the generation
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotFound indicates a backend key or generation does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Backend persists cache generations.
//
// Implementations must be safe for concurrent use and must apply Set
// atomically per key.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Create registers a generation. It reports whether the generation was
	// created by this call (false when it already existed).
	Create(ctx context.Context, cache string) (bool, error)

	// Exists reports whether the generation is registered.
	Exists(ctx context.Context, cache string) (bool, error)

	// Names lists registered generations in creation order.
	Names(ctx context.Context) ([]string, error)

	// Drop removes a generation and all its entries. It reports whether the
	// generation existed.
	Drop(ctx context.Context, cache string) (bool, error)

	// Get returns the raw entry stored under key, or ErrNotFound.
	Get(ctx context.Context, cache, key string) ([]byte, error)

	// Set stores data under key, replacing any previous value. Writes to a
	// generation that is not registered fail with ErrNotFound so a dropped
	// generation is never resurrected.
	Set(ctx context.Context, cache, key string, data []byte) error

	// Keys lists the entry keys of a generation.
	Keys(ctx context.Context, cache string) ([]string, error)
}
