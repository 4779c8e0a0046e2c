package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/notify"
	"github.com/google/uuid"
)

// ErrUnknownNotification is returned for a notification id that is not shown.
var ErrUnknownNotification = errors.New("unknown notification")

// Tray holds the notifications currently shown. A notification replaces any
// shown notification with the same tag.
type Tray struct {
	mu    sync.RWMutex
	order []string
	items map[string]notify.Notification
}

// NewTray creates an empty tray.
func NewTray() *Tray {
	return &Tray{items: make(map[string]notify.Notification)}
}

// ShowNotification shows d and returns the shown notification.
func (t *Tray) ShowNotification(ctx context.Context, d notify.Descriptor) (notify.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d.Tag != "" {
		for _, id := range t.order {
			if t.items[id].Tag == d.Tag {
				t.remove(id)
				break
			}
		}
	}

	n := notify.Notification{
		ID:         uuid.NewString(),
		Descriptor: d,
		ShownAt:    time.Now().UTC(),
	}
	t.items[n.ID] = n
	t.order = append(t.order, n.ID)
	return n, nil
}

// CloseNotification removes the notification id.
func (t *Tray) CloseNotification(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	t.remove(id)
	return nil
}

// Get returns the notification id if it is shown.
func (t *Tray) Get(id string) (notify.Notification, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.items[id]
	return n, ok
}

// List returns the shown notifications, oldest first.
func (t *Tray) List() []notify.Notification {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]notify.Notification, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.items[id])
	}
	return out
}

// remove deletes id; the caller holds the lock.
func (t *Tray) remove(id string) {
	delete(t.items, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
