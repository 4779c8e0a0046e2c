// Package agent routes lifecycle, fetch and notification events of one agent
// version to the components that handle them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/interceptor"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/notify"
	"github.com/Sternrassler/offline-agent/pkg/precache"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/rs/zerolog"
)

// ErrUnknownEvent is returned for an event kind the agent does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Host is everything the agent needs from the host runtime.
type Host interface {
	lifecycle.Host
	notify.Surface
	notify.Clients
}

// Config holds the agent configuration.
type Config struct {
	// Version names the cache generation
	Version string

	// Scope is the absolute scope URL; its origin bounds interception
	Scope *url.URL

	// Manifest lists the entries to precache, relative to Scope
	Manifest []string

	// Caches is the cache registry
	Caches *store.Caches

	// Network performs real fetches
	Network interceptor.Network

	// Host provides the host primitives
	Host Host

	// Precache configures the install fetcher
	Precache precache.Config

	// WriteTimeout bounds background cache writes
	WriteTimeout time.Duration

	// Notify overrides the notification defaults when set
	Notify *notify.Config
}

// Agent is one version of the offline agent.
type Agent struct {
	lifecycle   *lifecycle.Manager
	interceptor *interceptor.Interceptor
	bridge      *notify.Bridge
	logger      zerolog.Logger

	tasks   sync.WaitGroup
	running atomic.Int64
}

// New wires the components of one agent version.
func New(cfg Config) (*Agent, error) {
	if cfg.Scope == nil || !cfg.Scope.IsAbs() {
		return nil, fmt.Errorf("scope must be an absolute URL")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("host is required")
	}

	lc, err := lifecycle.New(lifecycle.Config{
		Version:  cfg.Version,
		Scope:    cfg.Scope,
		Manifest: cfg.Manifest,
		Caches:   cfg.Caches,
		Fetcher:  precache.NewFetcher(cfg.Network, cfg.Precache),
		Host:     cfg.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	origin := &url.URL{Scheme: cfg.Scope.Scheme, Host: cfg.Scope.Host}
	ic, err := interceptor.New(interceptor.Config{
		Origin:       origin,
		Network:      cfg.Network,
		Source:       lc,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("interceptor: %w", err)
	}

	notifyCfg := notify.DefaultConfig(cfg.Scope)
	if cfg.Notify != nil {
		notifyCfg = *cfg.Notify
	}
	bridge, err := notify.NewBridge(notifyCfg, cfg.Host, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	return &Agent{
		lifecycle:   lc,
		interceptor: ic,
		bridge:      bridge,
		logger:      logging.NewVersionLogger("agent", cfg.Version),
	}, nil
}

// Version returns the cache generation name of the agent.
func (a *Agent) Version() string {
	return a.lifecycle.Version()
}

// State returns the lifecycle state.
func (a *Agent) State() lifecycle.State {
	return a.lifecycle.State()
}

// ActiveHandle returns the store handle while the agent is active.
func (a *Agent) ActiveHandle() *store.Handle {
	return a.lifecycle.ActiveHandle()
}

// Restore makes the agent Active from the generation a previous process
// installed and activated. See lifecycle.Manager.Restore.
func (a *Agent) Restore(ctx context.Context) error {
	return a.lifecycle.Restore(ctx)
}

// Retire marks the agent as superseded.
func (a *Agent) Retire() error {
	return a.lifecycle.Retire()
}

// Dispatch runs ev in its own goroutine and returns its task.
func (a *Agent) Dispatch(ctx context.Context, ev Event) *Task {
	t := newTask(ev.Kind)
	a.tasks.Add(1)
	a.running.Add(1)
	go func() {
		defer a.tasks.Done()
		defer a.running.Add(-1)
		result, err := a.handle(ctx, ev)
		if err != nil {
			a.logger.Debug().Err(err).Str("event", ev.Kind.String()).Msg("Event failed")
		}
		t.finish(result, err)
	}()
	return t
}

func (a *Agent) handle(ctx context.Context, ev Event) (Result, error) {
	switch ev.Kind {
	case Install:
		return Result{}, a.lifecycle.Install(ctx)

	case Activate:
		return Result{}, a.lifecycle.Activate(ctx)

	case Fetch:
		if ev.Request == nil {
			return Result{}, fmt.Errorf("fetch event without request")
		}
		// until activation completes fetches go straight to the network
		if a.lifecycle.State() != lifecycle.Active {
			return Result{}, nil
		}
		resp, ok := a.interceptor.Handle(ev.Request)
		return Result{Response: resp, Intercepted: ok}, nil

	case Push:
		n, err := a.bridge.OnPush(ctx, ev.Payload)
		return Result{Notification: n}, err

	case NotificationClick:
		c, err := a.bridge.OnNotificationClick(ctx, ev.Notification)
		return Result{Client: c}, err

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
}

// Idle reports whether no event and no background cache write is running.
func (a *Agent) Idle() bool {
	return a.running.Load() == 0 && a.interceptor.Pending() == 0
}

// Wait blocks until every dispatched event and every background cache write
// has finished.
func (a *Agent) Wait() {
	a.tasks.Wait()
	a.interceptor.Wait()
}
