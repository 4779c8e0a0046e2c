package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-agent/pkg/notify"
)

// EventKind enumerates the events an agent handles.
type EventKind int

const (
	// Install precaches the manifest.
	Install EventKind = iota

	// Activate evicts stale generations and claims clients.
	Activate

	// Fetch intercepts a request.
	Fetch

	// Push shows a notification for a push payload.
	Push

	// NotificationClick focuses or opens the root page.
	NotificationClick
)

var kindNames = [...]string{
	Install:           "install",
	Activate:          "activate",
	Fetch:             "fetch",
	Push:              "push",
	NotificationClick: "notificationclick",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return kindNames[k]
}

// Event is dispatched to an agent. Only the field matching Kind is read.
type Event struct {
	Kind EventKind

	// Request is the intercepted request of a Fetch event
	Request *http.Request

	// Payload is the push message data; nil when the message had none
	Payload []byte

	// Notification is the clicked notification
	Notification notify.Notification
}

// Result is what a finished event produced.
type Result struct {
	// Response answers a Fetch event when Intercepted is true
	Response *http.Response

	// Intercepted is false when the agent declined a Fetch event and the host
	// must fall back to the network
	Intercepted bool

	// Notification is the notification a Push event showed
	Notification notify.Notification

	// Client is the window a NotificationClick event focused or opened
	Client notify.WindowClient
}

// Task tracks one dispatched event.
type Task struct {
	kind   EventKind
	done   chan struct{}
	result Result
	err    error
}

func newTask(kind EventKind) *Task {
	return &Task{kind: kind, done: make(chan struct{})}
}

func (t *Task) finish(result Result, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Kind returns the event kind the task runs.
func (t *Task) Kind() EventKind {
	return t.kind
}

// Done is closed when the event has been handled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the event has been handled or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
