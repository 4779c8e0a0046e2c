// Package host is the runtime an offline agent lives in: it installs and
// activates agent versions, routes fetches to the active one, and provides
// window clients and a notification tray.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/notify"
	"github.com/rs/zerolog"
)

// ErrNoActiveAgent is returned when an event needs an active agent and none is.
var ErrNoActiveAgent = errors.New("no active agent")

// Network performs fetches the agent does not answer.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// VersionStatus describes one agent slot.
type VersionStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

// Status is a snapshot of the registration.
type Status struct {
	Scope      string         `json:"scope"`
	Installing *VersionStatus `json:"installing,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Activating *VersionStatus `json:"activating,omitempty"`
	Active     *VersionStatus `json:"active,omitempty"`
	Clients    int            `json:"clients"`
}

// Registration holds the installing, waiting and active agents of one scope.
// It implements agent.Host.
type Registration struct {
	scope   *url.URL
	network Network
	clients *ClientRegistry
	tray    *Tray
	logger  zerolog.Logger

	// serializes Update and Activate
	updateMu sync.Mutex

	mu          sync.RWMutex
	installing  *agent.Agent
	waiting     *agent.Agent
	activating  *agent.Agent
	active      *agent.Agent
	skipWaiting bool
	agents      []*agent.Agent
}

// NewRegistration creates a registration for scope.
func NewRegistration(scope *url.URL, network Network) (*Registration, error) {
	if scope == nil || !scope.IsAbs() {
		return nil, fmt.Errorf("scope must be an absolute URL")
	}
	if network == nil {
		return nil, fmt.Errorf("network is required")
	}

	return &Registration{
		scope:   scope,
		network: network,
		clients: NewClientRegistry(scope),
		tray:    NewTray(),
		logger:  logging.NewLogger("host"),
	}, nil
}

// Scope returns the scope URL.
func (r *Registration) Scope() *url.URL {
	return r.scope
}

// Clients returns the window-client registry.
func (r *Registration) Clients() *ClientRegistry {
	return r.clients
}

// Tray returns the notification tray.
func (r *Registration) Tray() *Tray {
	return r.tray
}

// Active returns the active agent, or nil.
func (r *Registration) Active() *agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Update installs a and, when no agent is active or a asked to skip waiting,
// activates it. A failed install leaves the current active agent in place.
func (r *Registration) Update(ctx context.Context, a *agent.Agent) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.installing = a
	r.skipWaiting = false
	r.pruneLocked()
	r.agents = append(r.agents, a)
	r.mu.Unlock()

	_, err := a.Dispatch(ctx, agent.Event{Kind: agent.Install}).Wait(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		r.logger.Error().Err(err).Str("version", a.Version()).Msg("Install failed, keeping current version")
		return fmt.Errorf("install %s: %w", a.Version(), err)
	}
	r.waiting = a
	promote := r.active == nil || r.skipWaiting
	r.mu.Unlock()

	if !promote {
		r.logger.Info().Str("version", a.Version()).Msg("Version installed and waiting")
		return nil
	}
	return r.activateWaiting(ctx)
}

// Activate promotes the waiting agent, if any.
func (r *Registration) Activate(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return nil
	}
	r.waiting = nil
	r.activating = next
	r.mu.Unlock()

	// the previous version keeps serving fetches until next is Active
	_, err := next.Dispatch(ctx, agent.Event{Kind: agent.Activate}).Wait(ctx)

	r.mu.Lock()
	r.activating = nil
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("activate %s: %w", next.Version(), err)
	}
	prev := r.active
	r.active = next
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Retire(); err != nil {
			r.logger.Warn().Err(err).Str("version", prev.Version()).Msg("Failed to retire previous version")
		}
	}
	r.logger.Info().Str("version", next.Version()).Msg("Version active")
	return nil
}

// Restore makes a the active agent from the generation a previous process
// left in storage. It is meant for startup, before the first Update.
func (r *Registration) Restore(ctx context.Context, a *agent.Agent) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if r.Active() != nil {
		return fmt.Errorf("restore %s: an agent is already active", a.Version())
	}
	if err := a.Restore(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.active = a
	r.agents = append(r.agents, a)
	r.mu.Unlock()

	n := r.clients.Claim(a.Version())
	r.logger.Info().Str("version", a.Version()).Int("clients", n).Msg("Version restored")
	return nil
}

// pruneLocked drops agents that hold no slot and have nothing running.
// r.mu must be held.
func (r *Registration) pruneLocked() {
	kept := r.agents[:0]
	for _, a := range r.agents {
		if a == r.installing || a == r.waiting || a == r.activating || a == r.active || !a.Idle() {
			kept = append(kept, a)
		}
	}
	clear(r.agents[len(kept):])
	r.agents = kept
}

// SkipWaiting lets the installing agent activate without waiting.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipWaiting = true
	return nil
}

// ClaimClients makes the agent being activated, or else the active one,
// control every window client.
func (r *Registration) ClaimClients(ctx context.Context) error {
	r.mu.RLock()
	active := r.activating
	if active == nil {
		active = r.active
	}
	r.mu.RUnlock()
	if active == nil {
		return ErrNoActiveAgent
	}
	n := r.clients.Claim(active.Version())
	r.logger.Debug().Str("version", active.Version()).Int("clients", n).Msg("Clients claimed")
	return nil
}

// ShowNotification implements notify.Surface.
func (r *Registration) ShowNotification(ctx context.Context, d notify.Descriptor) (notify.Notification, error) {
	return r.tray.ShowNotification(ctx, d)
}

// CloseNotification implements notify.Surface.
func (r *Registration) CloseNotification(ctx context.Context, id string) error {
	return r.tray.CloseNotification(ctx, id)
}

// MatchAll implements notify.Clients.
func (r *Registration) MatchAll(ctx context.Context) ([]notify.WindowClient, error) {
	return r.clients.MatchAll(ctx)
}

// Focus implements notify.Clients.
func (r *Registration) Focus(ctx context.Context, id string) (notify.WindowClient, error) {
	return r.clients.Focus(ctx, id)
}

// OpenWindow implements notify.Clients.
func (r *Registration) OpenWindow(ctx context.Context, rawURL string) (notify.WindowClient, error) {
	return r.clients.OpenWindow(ctx, rawURL)
}

// Fetch answers req through the active agent. Requests the agent does not
// intercept, and every request while no agent is active, go to the network.
func (r *Registration) Fetch(req *http.Request) (*http.Response, error) {
	if active := r.Active(); active != nil {
		res, err := active.Dispatch(req.Context(), agent.Event{Kind: agent.Fetch, Request: req}).Wait(req.Context())
		if err != nil {
			return nil, err
		}
		if res.Intercepted {
			return res.Response, nil
		}
	}
	return r.network.Do(req)
}

// Push delivers a push message to the active agent.
func (r *Registration) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	active := r.Active()
	if active == nil {
		return notify.Notification{}, ErrNoActiveAgent
	}
	res, err := active.Dispatch(ctx, agent.Event{Kind: agent.Push, Payload: payload}).Wait(ctx)
	if err != nil {
		return notify.Notification{}, err
	}
	return res.Notification, nil
}

// Click delivers a click on the shown notification id to the active agent.
func (r *Registration) Click(ctx context.Context, id string) (notify.WindowClient, error) {
	n, ok := r.tray.Get(id)
	if !ok {
		return notify.WindowClient{}, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	active := r.Active()
	if active == nil {
		return notify.WindowClient{}, ErrNoActiveAgent
	}
	res, err := active.Dispatch(ctx, agent.Event{Kind: agent.NotificationClick, Notification: n}).Wait(ctx)
	if err != nil {
		return notify.WindowClient{}, err
	}
	return res.Client, nil
}

// Status returns a snapshot of the registration.
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Status{
		Scope:      r.scope.String(),
		Installing: versionStatus(r.installing),
		Waiting:    versionStatus(r.waiting),
		Activating: versionStatus(r.activating),
		Active:     versionStatus(r.active),
		Clients:    len(r.clients.List()),
	}
}

func versionStatus(a *agent.Agent) *VersionStatus {
	if a == nil {
		return nil
	}
	return &VersionStatus{Version: a.Version(), State: a.State().String()}
}

// Wait blocks until every event and background write of every agent has
// finished.
func (r *Registration) Wait() {
	r.mu.RLock()
	agents := append([]*agent.Agent(nil), r.agents...)
	r.mu.RUnlock()

	for _, a := range agents {
		a.Wait()
	}
}
