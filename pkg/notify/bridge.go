// Package notify turns push payloads into notifications and handles clicks.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// NotificationsShown counts notifications handed to the surface.
var NotificationsShown = promauto.NewCounter(prometheus.CounterOpts{
	Name: "offline_agent_notifications_shown_total",
	Help: "Total notifications shown from push messages",
})

// Descriptor describes a notification to show.
type Descriptor struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
	Tag     string `json:"tag"`
}

// Notification is a shown notification.
type Notification struct {
	ID string `json:"id"`
	Descriptor
	ShownAt time.Time `json:"shown_at"`
}

// WindowClient is an open page controlled by the agent.
type WindowClient struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

// Surface shows and closes notifications.
type Surface interface {
	ShowNotification(ctx context.Context, d Descriptor) (Notification, error)
	CloseNotification(ctx context.Context, id string) error
}

// Clients lists, focuses and opens window clients.
type Clients interface {
	MatchAll(ctx context.Context) ([]WindowClient, error)
	Focus(ctx context.Context, id string) (WindowClient, error)
	OpenWindow(ctx context.Context, rawURL string) (WindowClient, error)
}

// Config holds the notification defaults.
type Config struct {
	// Root is the scope URL; clicks focus or open it
	Root *url.URL

	Title       string
	Placeholder string
	Icon        string
	Badge       string
	Vibrate     []int
	Tag         string
}

// DefaultConfig returns the default notification settings for root.
func DefaultConfig(root *url.URL) Config {
	return Config{
		Root:        root,
		Title:       "Salary Plan",
		Placeholder: "New message",
		Icon:        "icons/icon-192.png",
		Badge:       "icons/icon-192.png",
		Vibrate:     []int{200, 100, 200},
		Tag:         "salary-plan-notification",
	}
}

// Bridge connects push and click events to the host surfaces.
type Bridge struct {
	config  Config
	surface Surface
	clients Clients
	logger  zerolog.Logger
}

// NewBridge creates a new bridge.
func NewBridge(cfg Config, surface Surface, clients Clients) (*Bridge, error) {
	if cfg.Root == nil || !cfg.Root.IsAbs() {
		return nil, fmt.Errorf("root must be an absolute URL")
	}
	if surface == nil {
		return nil, fmt.Errorf("surface is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("clients are required")
	}

	return &Bridge{
		config:  cfg,
		surface: surface,
		clients: clients,
		logger:  logging.NewLogger("notify"),
	}, nil
}

// Describe builds the descriptor for a push payload. An empty payload gets
// the placeholder body.
func (b *Bridge) Describe(payload []byte) Descriptor {
	body := string(payload)
	if len(payload) == 0 {
		body = b.config.Placeholder
	}
	return Descriptor{
		Title:   b.config.Title,
		Body:    body,
		Icon:    b.config.Icon,
		Badge:   b.config.Badge,
		Vibrate: append([]int(nil), b.config.Vibrate...),
		Tag:     b.config.Tag,
	}
}

// OnPush shows a notification for payload.
func (b *Bridge) OnPush(ctx context.Context, payload []byte) (Notification, error) {
	n, err := b.surface.ShowNotification(ctx, b.Describe(payload))
	if err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	NotificationsShown.Inc()
	b.logger.Debug().Str("id", n.ID).Str("tag", n.Tag).Msg("Notification shown")
	return n, nil
}

// OnNotificationClick closes n, then focuses a client showing the root page
// or, when there is none, opens a window at the root. Exactly one of the two
// happens.
func (b *Bridge) OnNotificationClick(ctx context.Context, n Notification) (WindowClient, error) {
	if err := b.surface.CloseNotification(ctx, n.ID); err != nil {
		b.logger.Warn().Err(err).Str("id", n.ID).Msg("Failed to close notification")
	}

	clients, err := b.clients.MatchAll(ctx)
	if err != nil {
		return WindowClient{}, fmt.Errorf("match clients: %w", err)
	}

	for _, c := range clients {
		if b.showsRoot(c) {
			focused, err := b.clients.Focus(ctx, c.ID)
			if err != nil {
				return WindowClient{}, fmt.Errorf("focus client %s: %w", c.ID, err)
			}
			b.logger.Debug().Str("client", c.ID).Msg("Focused root client")
			return focused, nil
		}
	}

	opened, err := b.clients.OpenWindow(ctx, b.config.Root.String())
	if err != nil {
		return WindowClient{}, fmt.Errorf("open window: %w", err)
	}
	b.logger.Debug().Str("client", opened.ID).Msg("Opened root window")
	return opened, nil
}

// showsRoot reports whether c displays the root page of the scope.
func (b *Bridge) showsRoot(c WindowClient) bool {
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	if u.IsAbs() && !store.SameOrigin(u, b.config.Root) {
		return false
	}
	return rootPath(u.Path) == rootPath(b.config.Root.Path)
}

func rootPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
