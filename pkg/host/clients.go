package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/Sternrassler/offline-agent/pkg/notify"
	"github.com/google/uuid"
)

// ErrUnknownClient is returned for a client id that is not registered.
var ErrUnknownClient = errors.New("unknown client")

// ClientInfo is a registered window client and the version controlling it.
type ClientInfo struct {
	notify.WindowClient
	Controller string `json:"controller,omitempty"`
}

// ClientRegistry tracks open window clients in registration order.
type ClientRegistry struct {
	scope *url.URL

	mu      sync.RWMutex
	order   []string
	clients map[string]*ClientInfo
}

// NewClientRegistry creates an empty registry for scope.
func NewClientRegistry(scope *url.URL) *ClientRegistry {
	return &ClientRegistry{
		scope:   scope,
		clients: make(map[string]*ClientInfo),
	}
}

// Add registers a window showing rawURL, resolved against the scope.
func (r *ClientRegistry) Add(rawURL string) (ClientInfo, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return ClientInfo{}, fmt.Errorf("client url: %w", err)
	}
	u := r.scope.ResolveReference(ref)

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &ClientInfo{WindowClient: notify.WindowClient{ID: uuid.NewString(), URL: u.String()}}
	r.clients[c.ID] = c
	r.order = append(r.order, c.ID)
	return *c, nil
}

// Remove unregisters a client and reports whether it existed.
func (r *ClientRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	for i, cid := range r.order {
		if cid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns every client in registration order.
func (r *ClientRegistry) List() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.clients[id])
	}
	return out
}

// Claim sets version as the controller of every client and returns how many
// clients there are.
func (r *ClientRegistry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		c.Controller = version
	}
	return len(r.clients)
}

// MatchAll returns the window clients in registration order.
func (r *ClientRegistry) MatchAll(ctx context.Context) ([]notify.WindowClient, error) {
	list := r.List()
	out := make([]notify.WindowClient, len(list))
	for i, c := range list {
		out[i] = c.WindowClient
	}
	return out, nil
}

// Focus focuses the client id and unfocuses every other client.
func (r *ClientRegistry) Focus(ctx context.Context, id string) (notify.WindowClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.clients[id]
	if !ok {
		return notify.WindowClient{}, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	for _, c := range r.clients {
		c.Focused = false
	}
	target.Focused = true
	return target.WindowClient, nil
}

// OpenWindow registers a new focused client showing rawURL.
func (r *ClientRegistry) OpenWindow(ctx context.Context, rawURL string) (notify.WindowClient, error) {
	c, err := r.Add(rawURL)
	if err != nil {
		return notify.WindowClient{}, err
	}
	return r.Focus(ctx, c.ID)
}
