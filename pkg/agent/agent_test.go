package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/interceptor"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
	"github.com/Sternrassler/offline-agent/pkg/notify"
	"github.com/Sternrassler/offline-agent/pkg/precache"
	"github.com/Sternrassler/offline-agent/pkg/store"
)

// fakeHost is an in-memory host runtime.
type fakeHost struct {
	mu      sync.Mutex
	skips   int
	claims  int
	shown   []notify.Notification
	closed  []string
	clients []notify.WindowClient
	opened  []string
}

func (h *fakeHost) SkipWaiting(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skips++
	return nil
}

func (h *fakeHost) ClaimClients(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claims++
	return nil
}

func (h *fakeHost) ShowNotification(ctx context.Context, d notify.Descriptor) (notify.Notification, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := notify.Notification{ID: "n1", Descriptor: d, ShownAt: time.Now()}
	h.shown = append(h.shown, n)
	return n, nil
}

func (h *fakeHost) CloseNotification(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, id)
	return nil
}

func (h *fakeHost) MatchAll(ctx context.Context) ([]notify.WindowClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.WindowClient(nil), h.clients...), nil
}

func (h *fakeHost) Focus(ctx context.Context, id string) (notify.WindowClient, error) {
	return notify.WindowClient{}, errors.New("no such client")
}

func (h *fakeHost) OpenWindow(ctx context.Context, rawURL string) (notify.WindowClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, rawURL)
	return notify.WindowClient{ID: "w1", URL: rawURL, Focused: true}, nil
}

func newTestAgent(t *testing.T, origin *testutil.MockOrigin, caches *store.Caches, host *fakeHost, version string, manifest []string) *Agent {
	t.Helper()
	scope, _ := url.Parse(origin.URL() + "/")
	a, err := New(Config{
		Version:  version,
		Scope:    scope,
		Manifest: manifest,
		Caches:   caches,
		Network:  origin.Client(),
		Host:     host,
		Precache: precache.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func dispatch(t *testing.T, a *Agent, ev Event) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Dispatch(ctx, ev).Wait(ctx)
	if err != nil {
		t.Fatalf("%s event failed: %v", ev.Kind, err)
	}
	return res
}

func TestEventKind_String(t *testing.T) {
	tests := []struct {
		kind     EventKind
		expected string
	}{
		{Install, "install"},
		{Activate, "activate"},
		{Fetch, "fetch"},
		{Push, "push"},
		{NotificationClick, "notificationclick"},
		{EventKind(9), "event(9)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("String() = %q, want %q", got, tt.expected)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	scope, _ := url.Parse("https://salary-plan.example/")
	caches := store.NewCaches(store.NewMemoryBackend())

	if _, err := New(Config{Version: "v1", Caches: caches, Network: http.DefaultClient, Host: &fakeHost{}}); err == nil {
		t.Error("expected error without scope")
	}
	if _, err := New(Config{Version: "v1", Scope: scope, Caches: caches, Host: &fakeHost{}}); err == nil {
		t.Error("expected error without network")
	}
	if _, err := New(Config{Version: "v1", Scope: scope, Caches: caches, Network: http.DefaultClient}); err == nil {
		t.Error("expected error without host")
	}
	if _, err := New(Config{Scope: scope, Caches: caches, Network: http.DefaultClient, Host: &fakeHost{}}); err == nil {
		t.Error("expected error without version")
	}
}

func TestAgent_OfflineAfterInstall(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	host := &fakeHost{}
	a := newTestAgent(t, origin, store.NewCaches(store.NewMemoryBackend()), host, "v1", []string{"./", "./index.html"})

	dispatch(t, a, Event{Kind: Install})
	dispatch(t, a, Event{Kind: Activate})
	if a.State() != lifecycle.Active {
		t.Fatalf("State = %s, want active", a.State())
	}
	if host.skips != 1 || host.claims != 1 {
		t.Errorf("skips=%d claims=%d, want 1 and 1", host.skips, host.claims)
	}

	origin.SetOffline(true)
	req, _ := http.NewRequest("GET", origin.URL()+"/index.html", nil)
	res := dispatch(t, a, Event{Kind: Fetch, Request: req})
	if !res.Intercepted {
		t.Fatal("fetch not intercepted")
	}
	defer res.Response.Body.Close()
	body, _ := io.ReadAll(res.Response.Body)
	if string(body) != testutil.IndexHTML {
		t.Errorf("offline Body = %q, want precached page", body)
	}
	if res.Response.Header.Get(interceptor.CacheStatusHeader) != "HIT" {
		t.Errorf("cache status = %q, want HIT", res.Response.Header.Get(interceptor.CacheStatusHeader))
	}

	a.Wait()
}

func TestAgent_FetchBeforeActivation(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	a := newTestAgent(t, origin, store.NewCaches(store.NewMemoryBackend()), &fakeHost{}, "v1", []string{"./"})
	req, _ := http.NewRequest("GET", origin.URL()+"/index.html", nil)

	res := dispatch(t, a, Event{Kind: Fetch, Request: req})
	if res.Intercepted {
		t.Error("fetch intercepted before activation")
	}

	dispatch(t, a, Event{Kind: Install})
	res = dispatch(t, a, Event{Kind: Fetch, Request: req})
	if res.Intercepted {
		t.Error("fetch intercepted while waiting")
	}
}

func TestAgent_FetchWithoutRequest(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	a := newTestAgent(t, origin, store.NewCaches(store.NewMemoryBackend()), &fakeHost{}, "v1", nil)
	_, err := a.Dispatch(context.Background(), Event{Kind: Fetch}).Wait(context.Background())
	if err == nil {
		t.Error("expected error for fetch without request")
	}
}

func TestAgent_UnknownEvent(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	a := newTestAgent(t, origin, store.NewCaches(store.NewMemoryBackend()), &fakeHost{}, "v1", nil)
	_, err := a.Dispatch(context.Background(), Event{Kind: EventKind(42)}).Wait(context.Background())
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestAgent_PushAndClick(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	host := &fakeHost{}
	a := newTestAgent(t, origin, store.NewCaches(store.NewMemoryBackend()), host, "v1", nil)

	res := dispatch(t, a, Event{Kind: Push})
	if res.Notification.Body != "New message" {
		t.Errorf("Body = %q, want placeholder", res.Notification.Body)
	}

	res = dispatch(t, a, Event{Kind: NotificationClick, Notification: res.Notification})
	if len(host.opened) != 1 || host.opened[0] != origin.URL()+"/" {
		t.Errorf("opened = %v, want exactly the root", host.opened)
	}
	if len(host.closed) != 1 {
		t.Errorf("closed = %v, want one", host.closed)
	}
	if res.Client.ID != "w1" {
		t.Errorf("Client = %+v", res.Client)
	}
}

func TestTask_WaitContext(t *testing.T) {
	task := newTask(Install)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := task.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	task.finish(Result{Intercepted: true}, nil)
	select {
	case <-task.Done():
	default:
		t.Error("Done not closed after finish")
	}
	res, err := task.Wait(context.Background())
	if err != nil || !res.Intercepted {
		t.Errorf("Wait = %+v, %v", res, err)
	}
}

func TestAgent_RestoreServesOffline(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	caches := store.NewCaches(store.NewMemoryBackend())
	first := newTestAgent(t, origin, caches, &fakeHost{}, "v1", []string{"./", "./index.html"})
	dispatch(t, first, Event{Kind: Install})
	dispatch(t, first, Event{Kind: Activate})
	first.Wait()

	origin.SetOffline(true)
	a := newTestAgent(t, origin, caches, &fakeHost{}, "v1", []string{"./", "./index.html"})
	if err := a.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	req, _ := http.NewRequest("GET", origin.URL()+"/index.html", nil)
	res := dispatch(t, a, Event{Kind: Fetch, Request: req})
	if !res.Intercepted {
		t.Fatal("fetch not intercepted after restore")
	}
	defer res.Response.Body.Close()
	if res.Response.Header.Get(interceptor.CacheStatusHeader) != "HIT" {
		t.Errorf("cache status = %q, want HIT", res.Response.Header.Get(interceptor.CacheStatusHeader))
	}

	a.Wait()
	if !a.Idle() {
		t.Error("agent should be idle after Wait")
	}
}
